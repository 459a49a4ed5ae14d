// Package provider 为编排层提供带缓存的数据源
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"forecast-service/internal/model"
	"forecast-service/internal/service"
)

const DefaultHistoryTTL = 10 * time.Minute

// CachedHistoryProvider 读穿缓存。历史只包含已结束的周，缓存内容在下一周开始前不会变化；
// redis 不可用时直接回源，不影响预测。
type CachedHistoryProvider struct {
	next   service.HistoryProvider
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedHistoryProvider(next service.HistoryProvider, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedHistoryProvider {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &CachedHistoryProvider{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func historyKey(projectID, window int) string {
	return fmt.Sprintf("forecast:history:%d:%d", projectID, window)
}

func (p *CachedHistoryProvider) GetPeriods(ctx context.Context, projectID int, window int) ([]model.VelocityPeriod, error) {
	if window < 0 {
		window = 0
	}
	key := historyKey(projectID, window)

	raw, err := p.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var periods []model.VelocityPeriod
		if err := json.Unmarshal(raw, &periods); err == nil {
			p.logger.Debug("History cache hit", zap.String("key", key))
			return periods, nil
		}
		p.logger.Warn("Corrupted history cache entry, refetching", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		p.logger.Warn("History cache read failed, falling back to source",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	periods, err := p.next.GetPeriods(ctx, projectID, window)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(periods); err == nil {
		if err := p.rdb.Set(ctx, key, data, p.ttl).Err(); err != nil {
			p.logger.Warn("History cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return periods, nil
}

// Invalidate 删除项目所有窗口的缓存，例如任务完成后
func (p *CachedHistoryProvider) Invalidate(ctx context.Context, projectID int) error {
	pattern := fmt.Sprintf("forecast:history:%d:*", projectID)
	iter := p.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan history cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := p.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate history cache: %w", err)
	}
	return nil
}
