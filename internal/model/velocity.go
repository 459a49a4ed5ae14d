package model

import "time"

// Trend 速度趋势方向
type Trend string

const (
	TrendUp     Trend = "UP"
	TrendDown   Trend = "DOWN"
	TrendStable Trend = "STABLE"
)

func (t Trend) IsValid() bool {
	switch t {
	case TrendUp, TrendDown, TrendStable:
		return true
	default:
		return false
	}
}

// Confidence 置信度等级
type Confidence string

const (
	ConfidenceLow  Confidence = "LOW"
	ConfidenceMed  Confidence = "MED"
	ConfidenceHigh Confidence = "HIGH"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMed:
		return 1
	default:
		return 0
	}
}

// CapConfidence 返回 c 与 limit 中较低的一个
func CapConfidence(c, limit Confidence) Confidence {
	if c.rank() > limit.rank() {
		return limit
	}
	return c
}

// VelocityPeriod 一个历史周期内完成的工作量（由外部历史数据提供，只读）
type VelocityPeriod struct {
	Label           string    `json:"label"`
	CompletedPoints float64   `json:"completed_points"`
	TotalTasks      int       `json:"total_tasks"`
	CompletedTasks  int       `json:"completed_tasks"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// VelocityMetrics 由历史周期推导出的速度指标，不持久化
type VelocityMetrics struct {
	Velocity      float64    `json:"velocity"`
	Trend         Trend      `json:"trend"`
	Confidence    Confidence `json:"confidence"`
	SampleSize    int        `json:"sample_size"`
	TimeRange     TimeRange  `json:"time_range"`
	FirstHalfAvg  float64    `json:"first_half_avg"`
	SecondHalfAvg float64    `json:"second_half_avg"`
	// TrendChange 后半段相对前半段的变化比例，例如 -0.25 表示下降 25%
	TrendChange float64 `json:"trend_change"`
}
