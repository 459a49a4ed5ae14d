package model

import (
	"fmt"
	"strings"
	"time"
)

// RiskCategory 风险类别（封闭枚举，每个类别对应一个检测器）
type RiskCategory string

const (
	CategorySchedule RiskCategory = "SCHEDULE"
	CategoryScope    RiskCategory = "SCOPE"
	CategoryResource RiskCategory = "RESOURCE"
)

// Categories 按检测顺序列出所有类别
var Categories = []RiskCategory{CategorySchedule, CategoryScope, CategoryResource}

func (c RiskCategory) IsValid() bool {
	switch c {
	case CategorySchedule, CategoryScope, CategoryResource:
		return true
	default:
		return false
	}
}

type RiskSource string

const (
	SourceEngine RiskSource = "ENGINE"
	SourceManual RiskSource = "MANUAL"
)

type RiskStatus string

const (
	StatusActive    RiskStatus = "ACTIVE"
	StatusMitigated RiskStatus = "MITIGATED"
	StatusAccepted  RiskStatus = "ACCEPTED"
	StatusDismissed RiskStatus = "DISMISSED"
)

func (s RiskStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusMitigated, StatusAccepted, StatusDismissed:
		return true
	default:
		return false
	}
}

// IsTerminal MITIGATED / ACCEPTED / DISMISSED 之后不再变化
func (s RiskStatus) IsTerminal() bool {
	return s == StatusMitigated || s == StatusAccepted || s == StatusDismissed
}

// CanTransition 只允许 ACTIVE -> 终态
func CanTransition(from, to RiskStatus) bool {
	return from == StatusActive && to.IsTerminal()
}

// ParseRiskStatus 解析状态字符串（大小写不敏感）
func ParseRiskStatus(raw string) (RiskStatus, error) {
	s := RiskStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return s, nil
}

// RiskDetails 类别相关的明细字段，只有对应类别的字段会被填充
type RiskDetails struct {
	// SCHEDULE
	TargetDate    *time.Time `json:"target_date,omitempty"`
	PredictedDate *time.Time `json:"predicted_date,omitempty"`
	DelayDays     *int       `json:"delay_days,omitempty"`
	// SCOPE
	BaselineScope *float64 `json:"baseline_scope,omitempty"`
	CurrentScope  *float64 `json:"current_scope,omitempty"`
	ScopeIncrease *float64 `json:"scope_increase,omitempty"`
	// RESOURCE
	VelocityTrend  *Trend   `json:"velocity_trend,omitempty"`
	VelocityChange *float64 `json:"velocity_change,omitempty"`
}

// RiskCandidate 检测器输出，尚未持久化
type RiskCandidate struct {
	ProjectID   int          `json:"project_id"`
	Source      RiskSource   `json:"source"`
	Category    RiskCategory `json:"category"`
	Probability float64      `json:"probability"`
	Impact      float64      `json:"impact"`
	Description string       `json:"description"`
	Mitigation  string       `json:"mitigation"`
	Details     RiskDetails  `json:"details"`
}

func (c *RiskCandidate) Severity() float64 {
	return c.Probability * c.Impact
}

type RiskEntry struct {
	ID          string       `json:"id"`
	ProjectID   int          `json:"project_id"`
	Source      RiskSource   `json:"source"`
	Category    RiskCategory `json:"category"`
	Probability float64      `json:"probability"`
	Impact      float64      `json:"impact"`
	Description string       `json:"description"`
	Mitigation  string       `json:"mitigation"`
	Status      RiskStatus   `json:"status"`
	Details     RiskDetails  `json:"details"`
	DetectedAt  time.Time    `json:"detected_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Severity probability × impact，用于排序
func (e *RiskEntry) Severity() float64 {
	return e.Probability * e.Impact
}

// ApplyCandidate 用重新检测的结果覆盖数值、描述和明细；ID / DetectedAt / Status 保持不变
func (e *RiskEntry) ApplyCandidate(c *RiskCandidate) {
	e.Probability = c.Probability
	e.Impact = c.Impact
	e.Description = c.Description
	e.Mitigation = c.Mitigation
	e.Details = c.Details
}
