// Package mitigation 根据风险类别和严重程度给出确定性的缓解建议
package mitigation

import (
	"fmt"
	"math"

	"forecast-service/internal/model"
)

// 进度延误分档（天）
const (
	MonitorOnlyMaxDelay = 7
	ReplanMaxDelay      = 28
)

// Suggest 为候选风险生成建议文本。缺少明细字段时返回该类别的通用建议。
func Suggest(c *model.RiskCandidate) string {
	if c == nil {
		return ""
	}
	switch c.Category {
	case model.CategorySchedule:
		delay := 0
		if c.Details.DelayDays != nil {
			delay = *c.Details.DelayDays
		}
		return ForSchedule(delay)
	case model.CategoryScope:
		if c.Details.BaselineScope == nil || c.Details.CurrentScope == nil {
			return "Review recent scope additions with stakeholders and defer non-essential work."
		}
		return ForScope(*c.Details.BaselineScope, *c.Details.CurrentScope)
	case model.CategoryResource:
		change := 0.0
		if c.Details.VelocityChange != nil {
			change = *c.Details.VelocityChange
		}
		return ForResource(change)
	default:
		return ""
	}
}

func ForSchedule(delayDays int) string {
	switch {
	case delayDays <= MonitorOnlyMaxDelay:
		return fmt.Sprintf("Projected delay of %d days is within one week. Monitor progress closely over the next sprint; no replanning needed yet.", delayDays)
	case delayDays <= ReplanMaxDelay:
		return fmt.Sprintf("Projected delay of %d days. Reduce scope by moving lower-priority tasks out of this release, or add team members to the critical path.", delayDays)
	default:
		return fmt.Sprintf("Projected delay of %d days exceeds four weeks. Renegotiate the deadline with stakeholders, cut scope to the essentials, and increase team capacity.", delayDays)
	}
}

// ForScope 建议推迟约一半新增的点数
func ForScope(baseline, current float64) string {
	added := math.Max(0, current-baseline)
	pct := 0.0
	if baseline > 0 {
		pct = added / baseline * 100
	}
	return fmt.Sprintf("Scope increased by %.0f%% (%.0f points added). Consider deferring about %.0f points to a later phase and freeze further additions until the baseline is re-approved.",
		pct, added, math.Ceil(added/2))
}

func ForResource(velocityChange float64) string {
	return fmt.Sprintf("Velocity declined by %.0f%%. Investigate team capacity changes, blocked tasks, or an increase in task complexity.",
		math.Abs(velocityChange)*100)
}
