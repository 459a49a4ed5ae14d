package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	return NewDeduperWithLogger(rdb, ttl, zap.NewNop())
}

// NewDeduperWithLogger creates a deduper with logger support
func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// FormatDedupKey 去重 key：dedup:<handler>:<id>
func FormatDedupKey(handler string, id any) string {
	return fmt.Sprintf("dedup:%s:%v", handler, id)
}

// AcquireOnce returns true the first time handler sees id within the TTL,
// false for duplicates.
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, id any) bool {
	key := FormatDedupKey(handler, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		// redis 不可用时不阻止处理
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("handler", handler),
			zap.Any("id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.Any("id", id),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// Release 处理失败后释放 key，让重投递的消息可以再次处理
func (d *Deduper) Release(ctx context.Context, handler string, id any) {
	if err := d.rdb.Del(ctx, FormatDedupKey(handler, id)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("handler", handler),
			zap.Any("id", id),
			zap.Error(err),
		)
	}
}
