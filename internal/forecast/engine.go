// Package forecast 根据速度指标和剩余工作量预测项目完成日期
package forecast

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"forecast-service/internal/model"
)

const (
	// DefaultFallbackVelocity 没有任何可用速度时使用的每周完成点数。
	// 所有 fallback 计算只引用这一个常量（可通过配置覆盖）。
	DefaultFallbackVelocity = 10.0

	// FallbackMarker fallback 结果的 reasoning 一定以此开头
	FallbackMarker = "[FALLBACK] linear projection"

	// MinDataPoints 统计路径至少需要的历史周期数
	MinDataPoints = 3

	DefaultTrials                  = 2000
	DefaultTeamMemberVelocityShare = 0.1

	optimisticOffset  = -7 * 24 * time.Hour
	pessimisticOffset = 14 * 24 * time.Hour
	week              = 7 * 24 * time.Hour
)

// 因子名称，顺序即输出顺序
const (
	FactorVelocityTrend  = "Velocity Trend"
	FactorAverage        = "Average Velocity"
	FactorRemaining      = "Remaining Scope"
	FactorAddedScope     = "Added Scope"
	FactorTeamSizeChange = "Team Size Change"
	FactorDataPoints     = "Data Points"
	FactorConfidence     = "Confidence"
	FactorFallbackReason = "Fallback Reason"
	FactorAIEstimator    = "AI Estimator"
)

type Config struct {
	DefaultVelocity         float64
	Trials                  int
	TeamMemberVelocityShare float64
}

func DefaultConfig() Config {
	return Config{
		DefaultVelocity:         DefaultFallbackVelocity,
		Trials:                  DefaultTrials,
		TeamMemberVelocityShare: DefaultTeamMemberVelocityShare,
	}
}

// Engine 无状态，可并发使用
type Engine struct {
	cfg  Config
	now  func() time.Time
	seed *int64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSeed 固定 Monte Carlo 随机种子（测试用）
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seed = &seed }
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.DefaultVelocity <= 0 {
		cfg.DefaultVelocity = DefaultFallbackVelocity
	}
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultTrials
	}
	if cfg.TeamMemberVelocityShare <= 0 {
		cfg.TeamMemberVelocityShare = DefaultTeamMemberVelocityShare
	}
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input 一次预测的输入；History 为已经按窗口截取的历史周期
type Input struct {
	Metrics         model.VelocityMetrics
	History         []model.VelocityPeriod
	RemainingPoints float64
	Scenario        *model.ScenarioAdjustment
}

func (in Input) adjustedRemaining() float64 {
	remaining := math.Max(0, in.RemainingPoints)
	if in.Scenario != nil {
		remaining += in.Scenario.AddedScope
	}
	return remaining
}

// Now 引擎使用的当前时间
func (e *Engine) Now() time.Time {
	return e.now()
}

// Forecast 数据充足时走统计路径，否则走 fallback 路径
func (e *Engine) Forecast(in Input) model.Forecast {
	if in.Metrics.SampleSize < MinDataPoints {
		return e.Fallback(in, fmt.Sprintf("only %d data points (minimum %d)", in.Metrics.SampleSize, MinDataPoints))
	}

	samples := e.throughputSamples(in)
	if len(samples) == 0 {
		return e.Fallback(in, "percentile distribution unavailable: no historical throughput")
	}

	return e.statistical(in, samples)
}

// Fallback 确定性的线性推算。结果一定带 IsFallback=true、LOW 置信度以及 FallbackMarker。
func (e *Engine) Fallback(in Input, reason string) model.Forecast {
	now := e.now()
	remaining := in.adjustedRemaining()

	velocity := in.Metrics.Velocity
	velocitySource := "measured velocity"
	if velocity <= 0 {
		velocity = e.cfg.DefaultVelocity
		velocitySource = "configured default velocity"
	}
	velocity *= e.teamFactor(in.Scenario)

	projected := math.Ceil(remaining / velocity)
	weeks := math.Min(projected, maxSimulatedWeeks)
	predicted := now.Add(time.Duration(weeks) * week)

	f := model.Forecast{
		PredictedDate:   predicted,
		OptimisticDate:  predicted.Add(optimisticOffset),
		PessimisticDate: predicted.Add(pessimisticOffset),
		Confidence:      model.ConfidenceLow,
		VelocityAvg:     in.Metrics.Velocity,
		DataPoints:      in.Metrics.SampleSize,
		IsFallback:      true,
		Source:          model.SourceLinearFallback,
		GeneratedAt:     now,
		Reasoning: fmt.Sprintf("%s: %s. %.0f remaining points at %.1f points/week (%s) gives %.0f weeks.",
			FallbackMarker, reason, remaining, velocity, velocitySource, weeks),
	}
	if projected > maxSimulatedWeeks {
		f.Reasoning += fmt.Sprintf(" Projection capped at %d weeks; the uncapped linear estimate is %.0f weeks.",
			maxSimulatedWeeks, projected)
	}
	e.addFactors(&f, in, model.ConfidenceLow)
	f.AddFactor(FactorFallbackReason, reason)
	return f
}

func (e *Engine) statistical(in Input, samples []float64) model.Forecast {
	now := e.now()
	remaining := in.adjustedRemaining()
	p := e.simulate(remaining, samples)

	f := model.Forecast{
		PredictedDate:   now.Add(weeksToDuration(p.P50)),
		OptimisticDate:  now.Add(weeksToDuration(p.P25)),
		PessimisticDate: now.Add(weeksToDuration(p.P75)),
		Confidence:      in.Metrics.Confidence,
		VelocityAvg:     in.Metrics.Velocity,
		DataPoints:      in.Metrics.SampleSize,
		IsFallback:      false,
		Source:          model.SourceMonteCarlo,
		Percentiles:     &p,
		GeneratedAt:     now,
		Reasoning: fmt.Sprintf("Monte Carlo simulation over %d historical periods (%d trials): "+
			"50%% of outcomes finish %.0f remaining points within %.0f weeks, 25%%-75%% range %.0f-%.0f weeks. Velocity trend %s.",
			len(samples), e.cfg.Trials, remaining, p.P50, p.P25, p.P75, in.Metrics.Trend),
	}
	if p.P75 >= maxSimulatedWeeks {
		f.Reasoning += fmt.Sprintf(" Some trials hit the %d-week simulation cap; the upper range is a lower bound.", maxSimulatedWeeks)
	}
	e.addFactors(&f, in, in.Metrics.Confidence)
	return f
}

// Annotate 用输入重新生成标准因子，用于外部估算结果
func (e *Engine) Annotate(f *model.Forecast, in Input) {
	f.Factors = nil
	f.VelocityAvg = in.Metrics.Velocity
	f.DataPoints = in.Metrics.SampleSize
	e.addFactors(f, in, f.Confidence)
}

func (e *Engine) addFactors(f *model.Forecast, in Input, confidence model.Confidence) {
	trend := in.Metrics.Trend
	if trend == "" {
		trend = model.TrendStable
	}
	addedScope, teamChange := 0.0, 0
	if in.Scenario != nil {
		addedScope, teamChange = in.Scenario.AddedScope, in.Scenario.TeamSizeChange
	}

	f.AddFactor(FactorVelocityTrend, string(trend))
	f.AddFactor(FactorAverage, strconv.FormatFloat(in.Metrics.Velocity, 'f', 2, 64))
	f.AddFactor(FactorRemaining, strconv.FormatFloat(math.Max(0, in.RemainingPoints), 'f', 0, 64))
	f.AddFactor(FactorAddedScope, strconv.FormatFloat(addedScope, 'f', 0, 64))
	f.AddFactor(FactorTeamSizeChange, strconv.Itoa(teamChange))
	f.AddFactor(FactorDataPoints, strconv.Itoa(in.Metrics.SampleSize))
	f.AddFactor(FactorConfidence, string(confidence))
}

// teamFactor 每增减一名成员按比例调整速度，下限 0.1
func (e *Engine) teamFactor(s *model.ScenarioAdjustment) float64 {
	if s == nil || s.TeamSizeChange == 0 {
		return 1
	}
	return math.Max(0.1, 1+float64(s.TeamSizeChange)*e.cfg.TeamMemberVelocityShare)
}

// throughputSamples 返回按团队规模调整后的历史吞吐；全部为 0 时返回 nil
func (e *Engine) throughputSamples(in Input) []float64 {
	factor := e.teamFactor(in.Scenario)
	samples := make([]float64, 0, len(in.History))
	positive := false
	for _, p := range in.History {
		v := math.Max(0, p.CompletedPoints) * factor
		if v > 0 {
			positive = true
		}
		samples = append(samples, v)
	}
	if !positive {
		return nil
	}
	return samples
}

func (e *Engine) rng() *rand.Rand {
	if e.seed != nil {
		return rand.New(rand.NewSource(*e.seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func weeksToDuration(weeks float64) time.Duration {
	return time.Duration(weeks) * week
}
