package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forecast-service/internal/model"
	"forecast-service/pkg/circuitbreaker"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduper_AcquireOnce(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduperWithLogger(rdb, time.Minute, zap.NewNop())
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "risk_scan", 7))
	assert.False(t, d.AcquireOnce(ctx, "risk_scan", 7))
	assert.True(t, d.AcquireOnce(ctx, "risk_scan", 8))
	assert.True(t, d.AcquireOnce(ctx, "other", 7))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "risk_scan", 7))

	d.Release(ctx, "risk_scan", 7)
	assert.True(t, d.AcquireOnce(ctx, "risk_scan", 7))
}

func TestDeduper_RedisDownAllowsProcessing(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "risk_scan", 7))
	assert.True(t, d.AcquireOnce(context.Background(), "risk_scan", 7))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounter(rdb, time.Minute)
	ctx := context.Background()
	key := FormatRetryKey("risk_scan", 7)
	assert.Equal(t, "retry:risk_scan:7", key)

	for want := int64(1); want <= 3; want++ {
		got, err := rc.IncrementAndGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, time.Minute, mr.TTL(key))

	n, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, rc.Reset(ctx, key))
	n, err = rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestIsRetryableError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	jsonErr := json.Unmarshal([]byte("{"), &struct{}{})
	require.ErrorAs(t, jsonErr, &syntaxErr)

	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"json", fmt.Errorf("decode: %w", jsonErr), false, "json_decode_error"},
		{"project not found", fmt.Errorf("load: %w", model.ErrProjectNotFound), false, "project_not_found"},
		{"validation", &model.ValidationError{Field: "status", Reason: "unknown"}, false, "validation_error"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "serialization_failure"},
		{"connection", errors.New("failed to connect: connection refused"), true, "db_connection_error"},
		{"deadline", fmt.Errorf("ai: %w", context.DeadlineExceeded), true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"breaker", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}

func TestRetryCounter_TTLSlidesOnFailure(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounter(rdb, time.Minute)
	ctx := context.Background()
	key := FormatRetryKey("risk_scan", 8)

	_, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	mr.FastForward(50 * time.Second)

	got, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	n, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRetryCounter_RedisDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()

	_, err := NewRetryCounter(rdb, time.Minute).IncrementAndGet(context.Background(), "retry:risk_scan:1")
	assert.Error(t, err)
}
