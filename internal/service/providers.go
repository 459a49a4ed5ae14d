package service

import (
	"context"
	"time"

	"forecast-service/internal/model"
)

// HistoryProvider 按时间升序返回最近 window 个已结束周期；window <= 0 表示全部
type HistoryProvider interface {
	GetPeriods(ctx context.Context, projectID int, window int) ([]model.VelocityPeriod, error)
}

// ScopeProvider 项目范围（故事点）
type ScopeProvider interface {
	GetBaseline(ctx context.Context, projectID int) (float64, error)
	GetCurrent(ctx context.Context, projectID int) (float64, error)
	GetRemaining(ctx context.Context, projectID int) (float64, error)
}

// TargetDateProvider 项目没有截止日期时返回 nil
type TargetDateProvider interface {
	GetTarget(ctx context.Context, projectID int) (*time.Time, error)
}

// Estimator 外部（AI）完成日期估算器，可选
type Estimator interface {
	Estimate(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error)
}

// NarrativeGenerator 为预测生成可读说明，不改变数值字段，可选
type NarrativeGenerator interface {
	Explain(ctx context.Context, f model.Forecast) (string, error)
}
