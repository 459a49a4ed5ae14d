package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OutboxReplayer 由 outbox.Repository 实现
type OutboxReplayer interface {
	ReplayFailed(ctx context.Context, limit int) (int64, error)
}

type AdminHandler struct {
	outbox OutboxReplayer
	logger *zap.Logger
}

func NewAdminHandler(outbox OutboxReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		outbox: outbox,
		logger: logger,
	}
}

// ReplayFailedEvents 把失败的 outbox 事件重新置为 pending
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	count, err := h.outbox.ReplayFailed(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	h.logger.Info("Replayed failed outbox events", zap.Int64("count", count), zap.Int("limit", limit))
	c.JSON(http.StatusOK, gin.H{
		"status":         "completed",
		"replayed_count": count,
		"limit":          limit,
	})
}
