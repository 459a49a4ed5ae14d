package risk

import (
	"context"
	"fmt"
	"math"

	"forecast-service/internal/model"
)

// ResourceDetector 速度趋势下降时产生 RESOURCE 风险
type ResourceDetector struct{}

func (ResourceDetector) Category() model.RiskCategory { return model.CategoryResource }

// Detect 使用前后两半窗口实测的速度变化
func (d ResourceDetector) Detect(_ context.Context, facts Facts) (*model.RiskCandidate, error) {
	m := facts.Metrics()
	c := DetectResourceRisk(m.Trend, m.TrendChange)
	if c != nil {
		c.ProjectID = facts.ProjectID()
	}
	return c, nil
}

// DetectResourceRisk 只在趋势为 DOWN 时触发
func DetectResourceRisk(trend model.Trend, velocityChange float64) *model.RiskCandidate {
	if trend != model.TrendDown || math.IsNaN(velocityChange) {
		return nil
	}
	change := round4(velocityChange)
	magnitude := math.Abs(change)

	return &model.RiskCandidate{
		Source:      model.SourceEngine,
		Category:    model.CategoryResource,
		Probability: score(math.Min(resourceProbMax, magnitude*resourceProbSlope)),
		Impact:      score(math.Min(1, magnitude*resourceImpactSlope)),
		Description: fmt.Sprintf("Team velocity is trending down by %.0f%% between the earlier and later half of the window",
			magnitude*100),
		Details: model.RiskDetails{
			VelocityTrend:  ptr(trend),
			VelocityChange: ptr(change),
		},
	}
}
