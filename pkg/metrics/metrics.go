package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// AI 估算 / 叙述调用延迟（毫秒）
	AICallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_call_latency_ms",
			Help:    "AI estimator and narrative call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"operation", "status"},
	)

	// 慢查询（秒）
	DBSlowQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of database queries above the slow threshold",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
		},
		[]string{"sql"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 预测耗时，source: linear_fallback / monte_carlo / ai
	ForecastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecast_duration_seconds",
			Help:    "Forecast computation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"source"},
	)

	// fallback 次数
	ForecastFallbackCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecast_fallback_count",
			Help: "Total number of forecasts served by the linear fallback path",
		},
		[]string{"reason"}, // reason: insufficient_data, no_throughput, ai_unavailable
	)

	// 风险写入次数
	RiskUpsertCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_upsert_count",
			Help: "Total number of detected risks persisted",
		},
		[]string{"category", "action"}, // action: created, updated
	)

	// 检测器失败次数
	RiskDetectorFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_detector_failure_count",
			Help: "Total number of risk detector evaluations that failed",
		},
		[]string{"category"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordAICallLatency 记录 AI 调用延迟
func RecordAICallLatency(operation, status string, duration time.Duration) {
	AICallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// ObserveSlowQuery 记录慢查询
func ObserveSlowQuery(sql string, duration time.Duration) {
	DBSlowQueryDuration.WithLabelValues(sql).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func RecordForecast(source string, duration time.Duration) {
	ForecastDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func IncrementForecastFallback(reason string) {
	ForecastFallbackCount.WithLabelValues(reason).Inc()
}

func IncrementRiskUpsert(category, action string) {
	RiskUpsertCount.WithLabelValues(category, action).Inc()
}

func IncrementDetectorFailure(category string) {
	RiskDetectorFailureCount.WithLabelValues(category).Inc()
}
