package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"forecast-service/internal/model"
)

const day = 24 * time.Hour

// ScheduleDetector 预测完成日期晚于目标日期时产生 SCHEDULE 风险
type ScheduleDetector struct{}

func (ScheduleDetector) Category() model.RiskCategory { return model.CategorySchedule }

func (d ScheduleDetector) Detect(ctx context.Context, facts Facts) (*model.RiskCandidate, error) {
	target, err := facts.TargetDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("get target date: %w", err)
	}
	// 没有截止日期的项目不评估进度风险
	if target == nil {
		return nil, nil
	}
	c := DetectScheduleRisk(facts.Forecast(), *target)
	if c != nil {
		c.ProjectID = facts.ProjectID()
	}
	return c, nil
}

// DelayDays 预测日期晚于目标日期的天数，不足一天按一天计；提前或当天返回 <= 0
func DelayDays(predicted, target time.Time) int {
	return int(math.Ceil(float64(predicted.Sub(target)) / float64(day)))
}

// ScheduleProbability 按百分位越界程度分档
func ScheduleProbability(f model.Forecast, target time.Time) float64 {
	switch {
	case f.OptimisticDate.After(target):
		return probP25Crossed
	case f.PredictedDate.After(target):
		return probP50Crossed
	case f.PessimisticDate.After(target):
		return probP75Crossed
	default:
		return probNoCrossing
	}
}

// DetectScheduleRisk 预测日期不晚于目标日期时返回 nil
func DetectScheduleRisk(f model.Forecast, target time.Time) *model.RiskCandidate {
	delay := DelayDays(f.PredictedDate, target)
	if delay <= 0 {
		return nil
	}

	predicted := f.PredictedDate
	return &model.RiskCandidate{
		Source:      model.SourceEngine,
		Category:    model.CategorySchedule,
		Probability: score(ScheduleProbability(f, target)),
		Impact:      score(math.Min(1, float64(delay)/delayImpactDays+delayImpactBase)),
		Description: fmt.Sprintf("Forecast completion %s is %d days after target date %s",
			predicted.Format(time.DateOnly), delay, target.Format(time.DateOnly)),
		Details: model.RiskDetails{
			TargetDate:    ptr(target),
			PredictedDate: ptr(predicted),
			DelayDays:     ptr(delay),
		},
	}
}
