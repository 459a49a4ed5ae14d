package service

import (
	"context"
	"time"

	"forecast-service/internal/model"
)

// projectFacts 每个检测器按需读取自己的输入
type projectFacts struct {
	projectID int
	forecast  model.Forecast
	metrics   model.VelocityMetrics
	scope     ScopeProvider
	target    TargetDateProvider
}

func (f *projectFacts) ProjectID() int                 { return f.projectID }
func (f *projectFacts) Forecast() model.Forecast       { return f.forecast }
func (f *projectFacts) Metrics() model.VelocityMetrics { return f.metrics }

func (f *projectFacts) TargetDate(ctx context.Context) (*time.Time, error) {
	return f.target.GetTarget(ctx, f.projectID)
}

func (f *projectFacts) BaselineScope(ctx context.Context) (float64, error) {
	return f.scope.GetBaseline(ctx, f.projectID)
}

func (f *projectFacts) CurrentScope(ctx context.Context) (float64, error) {
	return f.scope.GetCurrent(ctx, f.projectID)
}
