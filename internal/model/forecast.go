package model

import "time"

// ForecastSource 预测结果的来源
type ForecastSource string

const (
	SourceLinearFallback ForecastSource = "linear_fallback"
	SourceMonteCarlo     ForecastSource = "monte_carlo"
	SourceAI             ForecastSource = "ai"
)

// Factor 一个命名信号，供风险检测和叙述生成使用
type Factor struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Percentiles 完成所需周数的分位数
type Percentiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
}

type Forecast struct {
	PredictedDate   time.Time      `json:"predicted_date"`
	Confidence      Confidence     `json:"confidence"`
	OptimisticDate  time.Time      `json:"optimistic_date"`
	PessimisticDate time.Time      `json:"pessimistic_date"`
	Reasoning       string         `json:"reasoning"`
	Factors         []Factor       `json:"factors"`
	VelocityAvg     float64        `json:"velocity_avg"`
	DataPoints      int            `json:"data_points"`
	IsFallback      bool           `json:"is_fallback"`
	Source          ForecastSource `json:"source"`
	Percentiles     *Percentiles   `json:"percentiles,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// IsOrdered 检查 optimistic <= predicted <= pessimistic
func (f *Forecast) IsOrdered() bool {
	return !f.OptimisticDate.After(f.PredictedDate) && !f.PredictedDate.After(f.PessimisticDate)
}

// Factor 按名称查找信号
func (f *Forecast) Factor(name string) (string, bool) {
	for _, fc := range f.Factors {
		if fc.Name == name {
			return fc.Value, true
		}
	}
	return "", false
}

func (f *Forecast) AddFactor(name, value string) {
	f.Factors = append(f.Factors, Factor{Name: name, Value: value})
}

// EstimateRequest 交给外部估算器的输入
type EstimateRequest struct {
	ProjectID       int                 `json:"project_id"`
	Metrics         VelocityMetrics     `json:"metrics"`
	History         []VelocityPeriod    `json:"history"`
	RemainingPoints float64             `json:"remaining_points"`
	Scenario        *ScenarioAdjustment `json:"scenario,omitempty"`
	Now             time.Time           `json:"now"`
}
