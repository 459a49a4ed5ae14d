package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "forecast-service/contracts/mq"
	"forecast-service/internal/service"
	"forecast-service/pkg/logger"
	"forecast-service/pkg/mq"
	"forecast-service/pkg/util"
)

const (
	handlerName = "risk_scan"
	maxRetries  = 3
)

// RiskScanner 由 service.ForecastOrchestrator 实现
type RiskScanner interface {
	DetectAndPersistRisks(ctx context.Context, projectID int) (*service.DetectionResult, error)
}

// RiskScanHandler 消费 project.risk_scan.requested。
// TTL 内同一项目的重复触发会被跳过；可重试错误 nack 重新入队，超过次数或不可重试时进入 DLQ。
type RiskScanHandler struct {
	scanner      RiskScanner
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	logger       *zap.Logger
}

func NewRiskScanHandler(
	scanner RiskScanner,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	logger *zap.Logger,
) *RiskScanHandler {
	return &RiskScanHandler{
		scanner:      scanner,
		deduper:      deduper,
		retryCounter: retryCounter,
		logger:       logger,
	}
}

func (h *RiskScanHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.RiskScanRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal risk scan payload (non-retryable, sending to DLQ)",
			zap.Error(err),
			zap.String("raw_payload", string(raw)),
		)
		return mq.Permanent(fmt.Errorf("json_unmarshal_error: %w", err))
	}
	if p.ProjectID <= 0 {
		return mq.Permanent(fmt.Errorf("invalid project_id %d", p.ProjectID))
	}

	log := logger.WithTrace(ctx, h.logger).With(zap.Int("project_id", p.ProjectID))

	if !h.deduper.AcquireOnce(ctx, handlerName, p.ProjectID) {
		return nil
	}

	res, err := h.scanner.DetectAndPersistRisks(ctx, p.ProjectID)
	if err != nil {
		// 释放去重 key，让重新投递的消息可以再次执行
		h.deduper.Release(ctx, handlerName, p.ProjectID)
		return h.onFailure(ctx, log, p.ProjectID, err)
	}

	if err := h.retryCounter.Reset(ctx, util.FormatRetryKey(handlerName, p.ProjectID)); err != nil {
		log.Warn("Failed to reset retry count", zap.Error(err))
	}

	if res.Partial() {
		for _, f := range res.Failed {
			log.Warn("Risk category failed during scan",
				zap.String("category", string(f.Category)),
				zap.String("error", f.Error),
			)
		}
	}
	log.Info("Risk scan completed",
		zap.Int("entries", len(res.Entries)),
		zap.Int("failed", len(res.Failed)),
	)
	return nil
}

func (h *RiskScanHandler) onFailure(ctx context.Context, log *zap.Logger, projectID int, err error) error {
	retryable, errType := util.IsRetryableError(err)

	retryKey := util.FormatRetryKey(handlerName, projectID)
	count, cntErr := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if cntErr != nil {
		// Redis 错误不影响处理，按第一次计
		log.Warn("Failed to get retry count, continuing anyway", zap.Error(cntErr))
		count = 1
	}

	log.Error("Risk scan failed",
		zap.String("error_type", errType),
		zap.Bool("retryable", retryable),
		zap.Int64("retry_count", count),
		zap.Error(err),
	)

	if !util.ShouldRetry(count, maxRetries, retryable) {
		_ = h.retryCounter.Reset(ctx, retryKey)
		return mq.Permanent(err)
	}
	return err
}
