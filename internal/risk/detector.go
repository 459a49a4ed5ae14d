// Package risk 包含三类风险检测器：进度、范围、资源。
// 检测函数都是纯函数，不做 I/O，每次最多返回一个候选风险。
package risk

import (
	"context"
	"math"
	"time"

	"forecast-service/internal/model"
)

// 校准参数，必须与测试中的期望值完全一致
const (
	// SCHEDULE
	probP25Crossed  = 0.85
	probP50Crossed  = 0.65
	probP75Crossed  = 0.40
	probNoCrossing  = 0.20
	delayImpactDays = 56.0
	delayImpactBase = 0.3

	// SCOPE
	ScopeIncreaseThreshold = 0.10
	scopeProbBase          = 0.3
	scopeProbMax           = 0.8
	scopeImpactBase        = 0.2
	scopeSlope             = 2.0

	// RESOURCE
	resourceProbSlope   = 3.0
	resourceProbMax     = 0.9
	resourceImpactSlope = 2.5

	epsilon = 1e-9
)

// Facts 检测器所需的项目事实。实现方负责 I/O，检测器本身不做 I/O。
type Facts interface {
	ProjectID() int
	Forecast() model.Forecast
	Metrics() model.VelocityMetrics
	TargetDate(ctx context.Context) (*time.Time, error)
	BaselineScope(ctx context.Context) (float64, error)
	CurrentScope(ctx context.Context) (float64, error)
}

// Detector 每个风险类别一个实现
type Detector interface {
	Category() model.RiskCategory
	Detect(ctx context.Context, facts Facts) (*model.RiskCandidate, error)
}

// Detectors 返回所有类别的检测器，顺序与 model.Categories 一致
func Detectors() []Detector {
	return []Detector{ScheduleDetector{}, ScopeDetector{}, ResourceDetector{}}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func score(v float64) float64 {
	return round4(clamp01(v))
}

func ptr[T any](v T) *T {
	return &v
}
