package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forecast-service/internal/forecast"
	"forecast-service/internal/mitigation"
	"forecast-service/internal/model"
	"forecast-service/internal/repository"
	"forecast-service/internal/risk"
	"forecast-service/internal/velocity"
	"forecast-service/pkg/logger"
	"forecast-service/pkg/metrics"
	"forecast-service/pkg/otel"
)

const DefaultAIEstimateTimeout = 5 * time.Second

// fallback 指标的 reason 标签
const (
	fallbackInsufficientData = "insufficient_data"
	fallbackNoThroughput     = "no_throughput"
	fallbackAIUnavailable    = "ai_unavailable"
)

type Config struct {
	HistoryWindow     velocity.Window
	AIEstimateTimeout time.Duration
	// NarrativeTimeout 为 0 时沿用 AIEstimateTimeout
	NarrativeTimeout time.Duration
}

// FailedCategory 某个检测器或其持久化失败
type FailedCategory struct {
	Category model.RiskCategory `json:"category"`
	Error    string             `json:"error"`
}

// DetectionResult 持久化成功的条目（按严重度排序）和失败的类别
type DetectionResult struct {
	ProjectID int                `json:"project_id"`
	Forecast  model.Forecast     `json:"forecast"`
	Entries   []*model.RiskEntry `json:"entries"`
	Failed    []FailedCategory   `json:"failed"`
}

// Partial 至少一个类别失败
func (r *DetectionResult) Partial() bool {
	return len(r.Failed) > 0
}

// ForecastOrchestrator 串联 历史 -> 速度 -> 预测 -> 风险检测 -> 建议 -> 持久化。
// 不做任何重试，重试策略属于调用方。
type ForecastOrchestrator struct {
	history   HistoryProvider
	scope     ScopeProvider
	target    TargetDateProvider
	engine    *forecast.Engine
	repo      repository.RiskRepository
	estimator Estimator
	narrator  NarrativeGenerator
	detectors []risk.Detector
	cfg       Config
	logger    *zap.Logger
}

type Option func(*ForecastOrchestrator)

func WithEstimator(e Estimator) Option {
	return func(o *ForecastOrchestrator) { o.estimator = e }
}

func WithNarrator(n NarrativeGenerator) Option {
	return func(o *ForecastOrchestrator) { o.narrator = n }
}

// WithDetectors 替换检测器集合（测试用）
func WithDetectors(ds ...risk.Detector) Option {
	return func(o *ForecastOrchestrator) { o.detectors = ds }
}

func NewForecastOrchestrator(
	history HistoryProvider,
	scope ScopeProvider,
	target TargetDateProvider,
	engine *forecast.Engine,
	repo repository.RiskRepository,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *ForecastOrchestrator {
	if cfg.AIEstimateTimeout <= 0 {
		cfg.AIEstimateTimeout = DefaultAIEstimateTimeout
	}
	if cfg.NarrativeTimeout <= 0 {
		cfg.NarrativeTimeout = cfg.AIEstimateTimeout
	}
	o := &ForecastOrchestrator{
		history:   history,
		scope:     scope,
		target:    target,
		engine:    engine,
		repo:      repo,
		detectors: risk.Detectors(),
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GetForecast 计算项目完成日期预测。数据不足不是错误，结果会带 IsFallback。
func (o *ForecastOrchestrator) GetForecast(ctx context.Context, projectID int, scenario *model.ScenarioAdjustment) (*model.Forecast, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	f, _, err := o.forecast(ctx, projectID, scenario)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (o *ForecastOrchestrator) forecast(ctx context.Context, projectID int, scenario *model.ScenarioAdjustment) (f model.Forecast, m model.VelocityMetrics, err error) {
	ctx, span := otel.StartSpan(ctx, "forecast.get",
		oteltrace.WithAttributes(attribute.Int("project.id", projectID)),
	)
	defer func() { otel.EndSpan(span, err) }()

	start := time.Now()
	log := logger.WithTrace(ctx, o.logger).With(zap.Int("project_id", projectID))

	history, err := o.history.GetPeriods(ctx, projectID, int(o.cfg.HistoryWindow))
	if err != nil {
		return f, m, fmt.Errorf("failed to load velocity history: %w", err)
	}
	remaining, err := o.scope.GetRemaining(ctx, projectID)
	if err != nil {
		return f, m, fmt.Errorf("failed to load remaining scope: %w", err)
	}

	m = velocity.Calculate(history, o.cfg.HistoryWindow)
	in := forecast.Input{
		Metrics:         m,
		History:         history,
		RemainingPoints: remaining,
		Scenario:        scenario,
	}

	fallbackReason := ""
	switch {
	case m.SampleSize < forecast.MinDataPoints:
		f = o.engine.Forecast(in)
		fallbackReason = fallbackInsufficientData
	case o.estimator != nil:
		f, err = o.estimate(ctx, projectID, in)
		if err != nil {
			log.Warn("AI estimator unavailable, using fallback projection", zap.Error(err))
			f = o.engine.Fallback(in, "AI estimator unavailable: "+err.Error())
			fallbackReason = fallbackAIUnavailable
		}
	default:
		f = o.engine.Forecast(in)
		if f.IsFallback {
			fallbackReason = fallbackNoThroughput
		}
	}

	if o.narrator != nil {
		o.appendNarrative(ctx, log, &f)
	}

	metrics.RecordForecast(string(f.Source), time.Since(start))
	if f.IsFallback {
		metrics.IncrementForecastFallback(fallbackReason)
	}
	span.SetAttributes(
		attribute.String("forecast.source", string(f.Source)),
		attribute.Bool("forecast.fallback", f.IsFallback),
	)
	log.Debug("Forecast computed",
		zap.String("source", string(f.Source)),
		zap.Bool("fallback", f.IsFallback),
		zap.String("confidence", string(f.Confidence)),
		zap.Time("predicted_date", f.PredictedDate),
	)
	return f, m, nil
}

type estimateResult struct {
	forecast *model.Forecast
	err      error
}

// estimate 在 AIEstimateTimeout 内等待估算器；超时后放弃等待并取消调用（best-effort）
func (o *ForecastOrchestrator) estimate(ctx context.Context, projectID int, in forecast.Input) (model.Forecast, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AIEstimateTimeout)
	defer cancel()

	req := model.EstimateRequest{
		ProjectID:       projectID,
		Metrics:         in.Metrics,
		History:         in.History,
		RemainingPoints: in.RemainingPoints,
		Scenario:        in.Scenario,
		Now:             o.engine.Now(),
	}

	ch := make(chan estimateResult, 1)
	go func() {
		f, err := o.estimator.Estimate(ctx, req)
		ch <- estimateResult{forecast: f, err: err}
	}()

	var res estimateResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Forecast{}, fmt.Errorf("timed out after %s", o.cfg.AIEstimateTimeout)
		}
		return model.Forecast{}, ctx.Err()
	}
	if res.err != nil {
		return model.Forecast{}, res.err
	}
	if err := checkEstimate(res.forecast); err != nil {
		return model.Forecast{}, err
	}

	f := *res.forecast
	// 模型不能比历史数据更有把握
	f.Confidence = model.CapConfidence(f.Confidence, in.Metrics.Confidence)
	f.IsFallback = false
	f.Source = model.SourceAI
	f.Percentiles = nil
	f.GeneratedAt = req.Now
	o.engine.Annotate(&f, in)
	f.AddFactor(forecast.FactorAIEstimator, "accepted")
	return f, nil
}

func checkEstimate(f *model.Forecast) error {
	switch {
	case f == nil:
		return errors.New("empty estimate")
	case f.PredictedDate.IsZero() || f.OptimisticDate.IsZero() || f.PessimisticDate.IsZero():
		return errors.New("invalid estimate: missing dates")
	case !f.IsOrdered():
		return errors.New("invalid estimate: optimistic <= predicted <= pessimistic does not hold")
	case f.Confidence != model.ConfidenceLow && f.Confidence != model.ConfidenceMed && f.Confidence != model.ConfidenceHigh:
		return fmt.Errorf("invalid estimate: unknown confidence %q", f.Confidence)
	case strings.TrimSpace(f.Reasoning) == "":
		return errors.New("invalid estimate: empty reasoning")
	}
	return nil
}

type narrativeResult struct {
	text string
	err  error
}

// appendNarrative 叙述追加在 reasoning 之后，fallback 标记保持在开头。
// 最多等待 NarrativeTimeout；超时或失败只记录日志。
func (o *ForecastOrchestrator) appendNarrative(ctx context.Context, log *zap.Logger, f *model.Forecast) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.NarrativeTimeout)
	defer cancel()

	ch := make(chan narrativeResult, 1)
	snapshot := *f
	go func() {
		text, err := o.narrator.Explain(ctx, snapshot)
		ch <- narrativeResult{text: text, err: err}
	}()

	var res narrativeResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		log.Warn("Narrative generation abandoned",
			zap.Duration("timeout", o.cfg.NarrativeTimeout),
			zap.Error(ctx.Err()),
		)
		return
	}
	if res.err != nil {
		log.Warn("Narrative generation failed", zap.Error(res.err))
		return
	}
	text := strings.TrimSpace(res.text)
	if text == "" {
		return
	}
	f.Reasoning = f.Reasoning + "\n\n" + text
}

// DetectAndPersistRisks 先完成预测，再并发运行所有检测器。
// 检测器（含其数据源）失败不影响其它类别，记录在 DetectionResult.Failed 中；
// 仓储写入失败作为错误返回（%w 包装，可用 errors.Is 判断）。
func (o *ForecastOrchestrator) DetectAndPersistRisks(ctx context.Context, projectID int) (res *DetectionResult, err error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, "risk.detect",
		oteltrace.WithAttributes(attribute.Int("project.id", projectID)),
	)
	defer func() { otel.EndSpan(span, err) }()

	log := logger.WithTrace(ctx, o.logger).With(zap.Int("project_id", projectID))

	f, m, err := o.forecast(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}

	facts := &projectFacts{
		projectID: projectID,
		forecast:  f,
		metrics:   m,
		scope:     o.scope,
		target:    o.target,
	}

	entries := make([]*model.RiskEntry, len(o.detectors))
	failures := make([]*FailedCategory, len(o.detectors))
	persistErrs := make([]error, len(o.detectors))

	var g errgroup.Group
	for i, d := range o.detectors {
		g.Go(func() error {
			c, err := d.Detect(ctx, facts)
			if err != nil {
				metrics.IncrementDetectorFailure(string(d.Category()))
				log.Error("Risk detector failed",
					zap.String("category", string(d.Category())),
					zap.Error(err),
				)
				failures[i] = &FailedCategory{Category: d.Category(), Error: err.Error()}
				return nil
			}
			if c == nil {
				return nil
			}
			entry, err := o.persist(ctx, c)
			if err != nil {
				persistErrs[i] = err
				return nil
			}
			entries[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	// 检测失败按类别隔离；仓储错误原样交给调用方
	if err := errors.Join(persistErrs...); err != nil {
		log.Error("Failed to persist detected risks", zap.Error(err))
		return nil, err
	}

	res = &DetectionResult{
		ProjectID: projectID,
		Forecast:  f,
		Entries:   make([]*model.RiskEntry, 0, len(entries)),
		Failed:    make([]FailedCategory, 0),
	}
	for i := range o.detectors {
		if entries[i] != nil {
			res.Entries = append(res.Entries, entries[i])
		}
		if failures[i] != nil {
			res.Failed = append(res.Failed, *failures[i])
		}
	}
	repository.SortBySeverity(res.Entries)

	span.SetAttributes(
		attribute.Int("risk.entries", len(res.Entries)),
		attribute.Int("risk.failed", len(res.Failed)),
	)
	log.Info("Risk detection finished",
		zap.Int("entries", len(res.Entries)),
		zap.Int("failed", len(res.Failed)),
		zap.Bool("forecast_fallback", f.IsFallback),
	)
	return res, nil
}

// persist 生成建议并 upsert
func (o *ForecastOrchestrator) persist(ctx context.Context, c *model.RiskCandidate) (*model.RiskEntry, error) {
	c.Mitigation = mitigation.Suggest(c)
	res, err := o.repo.Upsert(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s risk: %w", c.Category, err)
	}
	metrics.IncrementRiskUpsert(string(c.Category), res.Action())
	return res.Entry, nil
}

// ListRisks rawStatus 为空时返回全部状态
func (o *ForecastOrchestrator) ListRisks(ctx context.Context, projectID int, rawStatus string) ([]*model.RiskEntry, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}

	var status *model.RiskStatus
	if strings.TrimSpace(rawStatus) != "" {
		s, err := model.ParseRiskStatus(rawStatus)
		if err != nil {
			return nil, err
		}
		status = &s
	}
	return o.repo.ListByProject(ctx, projectID, status)
}

// UpdateRiskStatus 只允许 ACTIVE -> MITIGATED / ACCEPTED / DISMISSED
func (o *ForecastOrchestrator) UpdateRiskStatus(ctx context.Context, projectID int, riskID, rawStatus string) (*model.RiskEntry, error) {
	if err := validateProjectID(projectID); err != nil {
		return nil, err
	}
	status, err := model.ParseRiskStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	if !status.IsTerminal() {
		return nil, &model.ValidationError{Field: "status", Reason: "only MITIGATED, ACCEPTED or DISMISSED can be set"}
	}

	entry, err := o.repo.UpdateStatus(ctx, projectID, riskID, status)
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, o.logger).Info("Risk status updated",
		zap.Int("project_id", projectID),
		zap.String("risk_id", riskID),
		zap.String("status", string(status)),
	)
	return entry, nil
}

func validateProjectID(projectID int) error {
	if projectID <= 0 {
		return &model.ValidationError{Field: "project_id", Reason: "must be a positive integer"}
	}
	return nil
}
