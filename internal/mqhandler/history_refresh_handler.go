package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "forecast-service/contracts/mq"
	"forecast-service/pkg/logger"
	"forecast-service/pkg/mq"
)

// HistoryInvalidator 由 provider.CachedHistoryProvider 实现
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, projectID int) error
}

// HistoryRefreshHandler 消费 task.completed，删除项目的历史缓存，
// 下一次预测会读到刚完成的任务。
type HistoryRefreshHandler struct {
	history HistoryInvalidator
	logger  *zap.Logger
}

func NewHistoryRefreshHandler(history HistoryInvalidator, logger *zap.Logger) *HistoryRefreshHandler {
	return &HistoryRefreshHandler{
		history: history,
		logger:  logger,
	}
}

func (h *HistoryRefreshHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.TaskCompletedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal task completed payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		return mq.Permanent(fmt.Errorf("json_unmarshal_error: %w", err))
	}
	if p.ProjectID <= 0 {
		return mq.Permanent(fmt.Errorf("invalid project_id %d", p.ProjectID))
	}

	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int("project_id", p.ProjectID),
		zap.Int("task_id", p.TaskID),
	)

	// 缓存会在 TTL 后自然过期，失效失败不重试
	if err := h.history.Invalidate(ctx, p.ProjectID); err != nil {
		log.Warn("Failed to invalidate history cache", zap.Error(err))
		return nil
	}
	log.Debug("History cache invalidated")
	return nil
}
