package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"forecast-service/internal/model"
	"forecast-service/internal/service"
)

// ForecastService 由 service.ForecastOrchestrator 实现
type ForecastService interface {
	GetForecast(ctx context.Context, projectID int, scenario *model.ScenarioAdjustment) (*model.Forecast, error)
	DetectAndPersistRisks(ctx context.Context, projectID int) (*service.DetectionResult, error)
	ListRisks(ctx context.Context, projectID int, status string) ([]*model.RiskEntry, error)
	UpdateRiskStatus(ctx context.Context, projectID int, riskID, status string) (*model.RiskEntry, error)
}

type ForecastHandler struct {
	svc    ForecastService
	logger *zap.Logger
}

func NewForecastHandler(svc ForecastService, logger *zap.Logger) *ForecastHandler {
	return &ForecastHandler{
		svc:    svc,
		logger: logger,
	}
}

// GetForecast GET /projects/:id/forecast?added_scope=&team_size_change=
func (h *ForecastHandler) GetForecast(c *gin.Context) {
	id, err := projectID(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	var scenario model.ScenarioAdjustment
	if err := c.ShouldBindQuery(&scenario); err != nil {
		writeError(c, h.logger, &model.ValidationError{Field: "scenario", Reason: err.Error()})
		return
	}

	var adj *model.ScenarioAdjustment
	if !scenario.IsZero() {
		adj = &scenario
	}

	f, err := h.svc.GetForecast(c.Request.Context(), id, adj)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// DetectRisks POST /projects/:id/risks/detect
// 部分类别失败时仍返回 200，失败类别在 failed 字段中
func (h *ForecastHandler) DetectRisks(c *gin.Context) {
	id, err := projectID(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	res, err := h.svc.DetectAndPersistRisks(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListRisks GET /projects/:id/risks?status=
func (h *ForecastHandler) ListRisks(c *gin.Context) {
	id, err := projectID(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	entries, err := h.svc.ListRisks(c.Request.Context(), id, c.Query("status"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"risks": entries})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateRiskStatus PATCH /projects/:id/risks/:riskId
func (h *ForecastHandler) UpdateRiskStatus(c *gin.Context) {
	id, err := projectID(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, &model.ValidationError{Field: "status", Reason: "request body must be {\"status\": \"...\"}"})
		return
	}

	entry, err := h.svc.UpdateRiskStatus(c.Request.Context(), id, c.Param("riskId"), req.Status)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
