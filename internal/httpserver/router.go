package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"forecast-service/internal/handler"
	"forecast-service/pkg/otel"
	"forecast-service/pkg/rbac"
)

// ReadinessCheck 依赖就绪检查，例如 DB ping
type ReadinessCheck func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	forecastHandler *handler.ForecastHandler,
	adminHandler *handler.AdminHandler,
	ready ReadinessCheck,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), TraceMiddleware(), MetricsMiddleware(), AccessLogMiddleware(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if ready != nil {
			if err := ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	projects := r.Group("/projects/:id")
	{
		projects.GET("/forecast", RequirePermission(rbac.PermissionReadForecast), forecastHandler.GetForecast)
		projects.POST("/risks/detect", RequirePermission(rbac.PermissionDetectRisk), forecastHandler.DetectRisks)
		projects.GET("/risks", RequirePermission(rbac.PermissionReadRisk), forecastHandler.ListRisks)
		projects.PATCH("/risks/:riskId", RequirePermission(rbac.PermissionUpdateRisk), forecastHandler.UpdateRiskStatus)
	}

	if adminHandler != nil {
		r.POST("/admin/outbox/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), adminHandler.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}
