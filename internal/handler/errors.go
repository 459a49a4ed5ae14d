package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"forecast-service/internal/model"
	"forecast-service/pkg/logger"
)

// writeError 把领域错误映射为 HTTP 状态码；未知错误统一 500，细节只写日志
func writeError(c *gin.Context, log *zap.Logger, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, model.ErrRiskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "risk not found"})
	case errors.Is(err, model.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
	case errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// projectID 解析路径参数 :id
func projectID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Field: "project_id", Reason: "must be a positive integer"}
	}
	return id, nil
}
