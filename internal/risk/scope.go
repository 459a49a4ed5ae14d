package risk

import (
	"context"
	"fmt"
	"math"

	"forecast-service/internal/model"
)

// ScopeDetector 当前范围相对基线增长超过 10% 时产生 SCOPE 风险
type ScopeDetector struct{}

func (ScopeDetector) Category() model.RiskCategory { return model.CategoryScope }

func (d ScopeDetector) Detect(ctx context.Context, facts Facts) (*model.RiskCandidate, error) {
	baseline, err := facts.BaselineScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("get baseline scope: %w", err)
	}
	current, err := facts.CurrentScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("get current scope: %w", err)
	}
	c := DetectScopeRisk(baseline, current)
	if c != nil {
		c.ProjectID = facts.ProjectID()
	}
	return c, nil
}

// ScopeIncrease 相对基线的增长比例；基线 <= 0 时无法计算，返回 false
func ScopeIncrease(baseline, current float64) (float64, bool) {
	if baseline <= 0 || math.IsNaN(current) || math.IsInf(current, 0) {
		return 0, false
	}
	return (current - baseline) / baseline, true
}

// DetectScopeRisk 增长比例必须严格大于 10%
func DetectScopeRisk(baseline, current float64) *model.RiskCandidate {
	increase, ok := ScopeIncrease(baseline, current)
	if !ok || increase <= ScopeIncreaseThreshold+epsilon {
		return nil
	}
	increase = round4(increase)

	return &model.RiskCandidate{
		Source:      model.SourceEngine,
		Category:    model.CategoryScope,
		Probability: score(math.Min(scopeProbMax, scopeProbBase+increase*scopeSlope)),
		Impact:      score(math.Min(1, scopeImpactBase+increase*scopeSlope)),
		Description: fmt.Sprintf("Scope grew %.0f%% from %.0f to %.0f points since baseline",
			increase*100, baseline, current),
		Details: model.RiskDetails{
			BaselineScope: ptr(baseline),
			CurrentScope:  ptr(current),
			ScopeIncrease: ptr(increase),
		},
	}
}
