package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forecast-service/internal/forecast"
	"forecast-service/internal/model"
	"forecast-service/internal/repository"
	"forecast-service/internal/velocity"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeHistory struct {
	points []float64
	err    error
}

func (h *fakeHistory) GetPeriods(_ context.Context, _ int, _ int) ([]model.VelocityPeriod, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([]model.VelocityPeriod, len(h.points))
	for i, p := range h.points {
		start := fixedNow.AddDate(0, 0, -7*(len(h.points)-i))
		out[i] = model.VelocityPeriod{CompletedPoints: p, StartDate: start, EndDate: start.AddDate(0, 0, 7)}
	}
	return out, nil
}

type fakeScope struct {
	baseline, current, remaining float64
	baselineErr, remainingErr    error
}

func (s *fakeScope) GetBaseline(context.Context, int) (float64, error) {
	return s.baseline, s.baselineErr
}

func (s *fakeScope) GetCurrent(context.Context, int) (float64, error) {
	return s.current, nil
}

func (s *fakeScope) GetRemaining(context.Context, int) (float64, error) {
	return s.remaining, s.remainingErr
}

type fakeTarget struct {
	target *time.Time
	err    error
}

func (t *fakeTarget) GetTarget(context.Context, int) (*time.Time, error) {
	return t.target, t.err
}

type estimatorFunc func(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error)

func (f estimatorFunc) Estimate(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error) {
	return f(ctx, req)
}

type narratorFunc func(ctx context.Context, f model.Forecast) (string, error)

func (f narratorFunc) Explain(ctx context.Context, fc model.Forecast) (string, error) {
	return f(ctx, fc)
}

var errDBDown = errors.New("connection reset by peer")

// failingRepo failCategory 为空时所有类别都失败
type failingRepo struct {
	repository.RiskRepository
	failCategory model.RiskCategory
}

func (r *failingRepo) Upsert(ctx context.Context, c *model.RiskCandidate) (*repository.UpsertResult, error) {
	if r.failCategory == "" || c.Category == r.failCategory {
		return nil, errDBDown
	}
	return r.RiskRepository.Upsert(ctx, c)
}

// 下降趋势 + 范围增长 + 截止日期在一周后：三个类别都会触发
type fixture struct {
	history *fakeHistory
	scope   *fakeScope
	target  *fakeTarget
	repo    repository.RiskRepository
}

func newFixture() *fixture {
	target := fixedNow.AddDate(0, 0, 7)
	return &fixture{
		history: &fakeHistory{points: []float64{20, 20, 20, 20, 10, 10, 10, 10}},
		scope:   &fakeScope{baseline: 200, current: 230, remaining: 300},
		target:  &fakeTarget{target: &target},
		repo:    repository.NewMemoryRiskRepository(zap.NewNop()),
	}
}

func (fx *fixture) orchestrator(opts ...Option) *ForecastOrchestrator {
	engine := forecast.NewEngine(forecast.DefaultConfig(),
		forecast.WithClock(func() time.Time { return fixedNow }),
		forecast.WithSeed(1),
	)
	cfg := Config{HistoryWindow: velocity.WindowAll, AIEstimateTimeout: 50 * time.Millisecond}
	return NewForecastOrchestrator(fx.history, fx.scope, fx.target, engine, fx.repo, cfg, zap.NewNop(), opts...)
}

func validEstimate(_ context.Context, req model.EstimateRequest) (*model.Forecast, error) {
	return &model.Forecast{
		PredictedDate:   req.Now.AddDate(0, 0, 70),
		OptimisticDate:  req.Now.AddDate(0, 0, 56),
		PessimisticDate: req.Now.AddDate(0, 0, 91),
		Confidence:      model.ConfidenceMed,
		Reasoning:       "Velocity is declining; expect about ten weeks.",
		IsFallback:      true,
	}, nil
}

func TestGetForecast_InsufficientDataSkipsEstimator(t *testing.T) {
	fx := newFixture()
	fx.history.points = []float64{10, 12}
	var calls atomic.Int32
	o := fx.orchestrator(WithEstimator(estimatorFunc(func(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error) {
		calls.Add(1)
		return validEstimate(ctx, req)
	})))

	f, err := o.GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.True(t, f.IsFallback)
	assert.Equal(t, model.ConfidenceLow, f.Confidence)
	assert.True(t, strings.HasPrefix(f.Reasoning, forecast.FallbackMarker))
	assert.Equal(t, int32(0), calls.Load())
}

func TestGetForecast_MonteCarloWithoutEstimator(t *testing.T) {
	fx := newFixture()
	f, err := fx.orchestrator().GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.False(t, f.IsFallback)
	assert.Equal(t, model.SourceMonteCarlo, f.Source)
	assert.True(t, f.IsOrdered())
	assert.Equal(t, 8, f.DataPoints)
}

func TestGetForecast_AcceptsValidEstimate(t *testing.T) {
	fx := newFixture()
	o := fx.orchestrator(WithEstimator(estimatorFunc(validEstimate)))

	f, err := o.GetForecast(context.Background(), 1, &model.ScenarioAdjustment{AddedScope: 20})
	require.NoError(t, err)

	assert.False(t, f.IsFallback)
	assert.Equal(t, model.SourceAI, f.Source)
	assert.Equal(t, model.ConfidenceMed, f.Confidence)
	assert.Equal(t, fixedNow.AddDate(0, 0, 70), f.PredictedDate)
	assert.Equal(t, fixedNow, f.GeneratedAt)
	v, ok := f.Factor(forecast.FactorAIEstimator)
	assert.True(t, ok)
	assert.Equal(t, "accepted", v)
	v, _ = f.Factor(forecast.FactorAddedScope)
	assert.Equal(t, "20", v)
}

func TestGetForecast_EstimatorFailuresUseFallback(t *testing.T) {
	tests := []struct {
		name      string
		estimator estimatorFunc
		reason    string
	}{
		{
			name: "error",
			estimator: func(context.Context, model.EstimateRequest) (*model.Forecast, error) {
				return nil, errors.New("upstream 503")
			},
			reason: "upstream 503",
		},
		{
			name: "unordered dates",
			estimator: func(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error) {
				f, _ := validEstimate(ctx, req)
				f.PessimisticDate = f.PredictedDate.AddDate(0, 0, -1)
				return f, nil
			},
			reason: "invalid estimate",
		},
		{
			name: "nil forecast",
			estimator: func(context.Context, model.EstimateRequest) (*model.Forecast, error) {
				return nil, nil
			},
			reason: "empty estimate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newFixture().orchestrator(WithEstimator(tt.estimator))

			f, err := o.GetForecast(context.Background(), 1, nil)
			require.NoError(t, err)

			assert.True(t, f.IsFallback)
			assert.Equal(t, model.ConfidenceLow, f.Confidence)
			assert.True(t, strings.HasPrefix(f.Reasoning, forecast.FallbackMarker))
			reason, _ := f.Factor(forecast.FactorFallbackReason)
			assert.Contains(t, reason, "AI estimator unavailable")
			assert.Contains(t, reason, tt.reason)
		})
	}
}

func TestGetForecast_SlowEstimatorTimesOut(t *testing.T) {
	canceled := make(chan struct{})
	slow := estimatorFunc(func(ctx context.Context, _ model.EstimateRequest) (*model.Forecast, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	})
	o := newFixture().orchestrator(WithEstimator(slow))

	start := time.Now()
	f, err := o.GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, f.IsFallback)
	assert.Contains(t, f.Reasoning, "timed out")

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned estimator call was not canceled")
	}
}

func TestGetForecast_Narrative(t *testing.T) {
	t.Run("appended after reasoning", func(t *testing.T) {
		fx := newFixture()
		fx.history.points = []float64{10}
		o := fx.orchestrator(WithNarrator(narratorFunc(func(_ context.Context, f model.Forecast) (string, error) {
			return "Only one week of history is available.", nil
		})))

		f, err := o.GetForecast(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(f.Reasoning, forecast.FallbackMarker))
		assert.True(t, strings.HasSuffix(f.Reasoning, "Only one week of history is available."))
	})

	t.Run("errors are ignored", func(t *testing.T) {
		fx := newFixture()
		plain, err := fx.orchestrator().GetForecast(context.Background(), 1, nil)
		require.NoError(t, err)

		o := fx.orchestrator(WithNarrator(narratorFunc(func(context.Context, model.Forecast) (string, error) {
			return "", errors.New("rate limited")
		})))
		f, err := o.GetForecast(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Equal(t, plain.Reasoning, f.Reasoning)
	})
}

func TestGetForecast_SlowNarratorDoesNotBlock(t *testing.T) {
	fx := newFixture()
	plain, err := fx.orchestrator().GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	o := fx.orchestrator(WithNarrator(narratorFunc(func(context.Context, model.Forecast) (string, error) {
		// 忽略 ctx，模拟不响应取消的客户端
		<-release
		return "too late", nil
	})))

	start := time.Now()
	f, err := o.GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, plain.Reasoning, f.Reasoning)

	res, err := o.DetectAndPersistRisks(context.Background(), 1)
	require.NoError(t, err)
	assert.NotContains(t, res.Forecast.Reasoning, "too late")
}

func TestGetForecast_NarratorReceivesDeadline(t *testing.T) {
	fx := newFixture()
	var hasDeadline bool
	o := fx.orchestrator(WithNarrator(narratorFunc(func(ctx context.Context, _ model.Forecast) (string, error) {
		_, hasDeadline = ctx.Deadline()
		return "ok", nil
	})))

	_, err := o.GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, hasDeadline)
}

func TestGetForecast_EstimateConfidenceCappedByHistory(t *testing.T) {
	fx := newFixture()
	// 小样本高波动：历史置信度 LOW
	fx.history.points = []float64{1, 20, 1, 20}
	o := fx.orchestrator(WithEstimator(estimatorFunc(func(ctx context.Context, req model.EstimateRequest) (*model.Forecast, error) {
		f, err := validEstimate(ctx, req)
		f.Confidence = model.ConfidenceHigh
		return f, err
	})))

	f, err := o.GetForecast(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SourceAI, f.Source)
	assert.Equal(t, model.ConfidenceLow, f.Confidence)
	v, _ := f.Factor(forecast.FactorConfidence)
	assert.Equal(t, "LOW", v)
}

func TestGetForecast_Validation(t *testing.T) {
	o := newFixture().orchestrator()

	_, err := o.GetForecast(context.Background(), 1, &model.ScenarioAdjustment{AddedScope: -1})
	assert.True(t, model.IsValidationError(err))

	_, err = o.GetForecast(context.Background(), 1, &model.ScenarioAdjustment{TeamSizeChange: 11})
	assert.True(t, model.IsValidationError(err))

	_, err = o.GetForecast(context.Background(), 0, nil)
	assert.True(t, model.IsValidationError(err))
}

func TestGetForecast_ProviderErrorsSurface(t *testing.T) {
	fx := newFixture()
	fx.history.err = model.ErrProjectNotFound

	_, err := fx.orchestrator().GetForecast(context.Background(), 1, nil)
	assert.ErrorIs(t, err, model.ErrProjectNotFound)

	fx = newFixture()
	fx.scope.remainingErr = errors.New("connection refused")
	_, err = fx.orchestrator().GetForecast(context.Background(), 1, nil)
	assert.ErrorContains(t, err, "remaining scope")
}

func activeByCategory(t *testing.T, repo repository.RiskRepository) map[model.RiskCategory][]*model.RiskEntry {
	t.Helper()
	active := model.StatusActive
	list, err := repo.ListByProject(context.Background(), 1, &active)
	require.NoError(t, err)
	out := make(map[model.RiskCategory][]*model.RiskEntry)
	for _, e := range list {
		out[e.Category] = append(out[e.Category], e)
	}
	return out
}

func TestDetectAndPersistRisks_AllCategories(t *testing.T) {
	fx := newFixture()
	res, err := fx.orchestrator().DetectAndPersistRisks(context.Background(), 1)
	require.NoError(t, err)

	assert.False(t, res.Partial())
	require.Len(t, res.Entries, 3)
	for i := 1; i < len(res.Entries); i++ {
		assert.GreaterOrEqual(t, res.Entries[i-1].Severity(), res.Entries[i].Severity())
	}

	byCat := activeByCategory(t, fx.repo)
	require.Len(t, byCat[model.CategoryScope], 1)
	scope := byCat[model.CategoryScope][0]
	assert.InDelta(t, 0.60, scope.Probability, 1e-9)
	assert.InDelta(t, 0.50, scope.Impact, 1e-9)
	assert.Contains(t, scope.Mitigation, "Scope increased by 15%")

	require.Len(t, byCat[model.CategoryResource], 1)
	assert.InDelta(t, 0.9, byCat[model.CategoryResource][0].Probability, 1e-9)

	require.Len(t, byCat[model.CategorySchedule], 1)
	assert.InDelta(t, 0.85, byCat[model.CategorySchedule][0].Probability, 1e-9)
	assert.NotEmpty(t, byCat[model.CategorySchedule][0].Mitigation)
}

func TestDetectAndPersistRisks_RepeatedRunUpdatesInPlace(t *testing.T) {
	fx := newFixture()
	o := fx.orchestrator()
	ctx := context.Background()

	first, err := o.DetectAndPersistRisks(ctx, 1)
	require.NoError(t, err)
	second, err := o.DetectAndPersistRisks(ctx, 1)
	require.NoError(t, err)

	byCat := activeByCategory(t, fx.repo)
	for _, c := range model.Categories {
		assert.Len(t, byCat[c], 1, c)
	}

	ids := make(map[string]*model.RiskEntry)
	for _, e := range first.Entries {
		ids[e.ID] = e
	}
	require.Len(t, second.Entries, len(first.Entries))
	for _, e := range second.Entries {
		prev, ok := ids[e.ID]
		require.True(t, ok, "entry %s should be updated in place", e.ID)
		assert.True(t, e.UpdatedAt.After(prev.UpdatedAt))
		assert.Equal(t, prev.DetectedAt, e.DetectedAt)
	}
}

func TestDetectAndPersistRisks_DismissedEntryIsNotReactivated(t *testing.T) {
	fx := newFixture()
	o := fx.orchestrator()
	ctx := context.Background()

	_, err := o.DetectAndPersistRisks(ctx, 1)
	require.NoError(t, err)
	scope := activeByCategory(t, fx.repo)[model.CategoryScope][0]

	dismissed, err := o.UpdateRiskStatus(ctx, 1, scope.ID, "dismissed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDismissed, dismissed.Status)

	fx.scope.current = 240
	_, err = o.DetectAndPersistRisks(ctx, 1)
	require.NoError(t, err)

	fresh := activeByCategory(t, fx.repo)[model.CategoryScope]
	require.Len(t, fresh, 1)
	assert.NotEqual(t, scope.ID, fresh[0].ID)

	old, err := fx.repo.Get(ctx, scope.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDismissed, old.Status)
	assert.Equal(t, scope.Probability, old.Probability)
	assert.Equal(t, scope.Description, old.Description)
	assert.Equal(t, dismissed.UpdatedAt, old.UpdatedAt)
}

func TestDetectAndPersistRisks_IsolatesFailures(t *testing.T) {
	t.Run("provider", func(t *testing.T) {
		fx := newFixture()
		fx.target.err = errors.New("calendar service down")

		res, err := fx.orchestrator().DetectAndPersistRisks(context.Background(), 1)
		require.NoError(t, err)

		require.Len(t, res.Failed, 1)
		assert.Equal(t, model.CategorySchedule, res.Failed[0].Category)
		assert.Contains(t, res.Failed[0].Error, "calendar service down")
		assert.Len(t, res.Entries, 2)
	})


	t.Run("forecast failure aborts", func(t *testing.T) {
		fx := newFixture()
		fx.history.err = errors.New("connection refused")

		_, err := fx.orchestrator().DetectAndPersistRisks(context.Background(), 1)
		assert.Error(t, err)

		list, err := fx.repo.ListByProject(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestDetectAndPersistRisks_RepositoryErrorsPropagate(t *testing.T) {
	t.Run("one category", func(t *testing.T) {
		fx := newFixture()
		mem := fx.repo
		fx.repo = &failingRepo{RiskRepository: mem, failCategory: model.CategoryResource}

		res, err := fx.orchestrator().DetectAndPersistRisks(context.Background(), 1)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, errDBDown)
		assert.Contains(t, err.Error(), "RESOURCE")

		// 其它类别已经写入
		list, err := mem.ListByProject(context.Background(), 1, nil)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("database down", func(t *testing.T) {
		fx := newFixture()
		fx.repo = &failingRepo{RiskRepository: fx.repo}

		res, err := fx.orchestrator().DetectAndPersistRisks(context.Background(), 1)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, errDBDown)
		for _, c := range model.Categories {
			assert.Contains(t, err.Error(), string(c))
		}
	})
}

func TestDetectAndPersistRisks_NoRisks(t *testing.T) {
	fx := newFixture()
	fx.history.points = []float64{10, 10, 10, 10}
	fx.scope.current = 210
	fx.target.target = nil

	res, err := fx.orchestrator().DetectAndPersistRisks(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Empty(t, res.Failed)
}

func TestListAndUpdateRisks(t *testing.T) {
	fx := newFixture()
	o := fx.orchestrator()
	ctx := context.Background()

	_, err := o.DetectAndPersistRisks(ctx, 1)
	require.NoError(t, err)

	all, err := o.ListRisks(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = o.ListRisks(ctx, 1, "open")
	assert.True(t, model.IsValidationError(err))

	_, err = o.UpdateRiskStatus(ctx, 1, all[0].ID, "ACTIVE")
	assert.True(t, model.IsValidationError(err))

	_, err = o.UpdateRiskStatus(ctx, 2, all[0].ID, "MITIGATED")
	assert.ErrorIs(t, err, model.ErrRiskNotFound)

	_, err = o.UpdateRiskStatus(ctx, 1, all[0].ID, "MITIGATED")
	require.NoError(t, err)
	_, err = o.UpdateRiskStatus(ctx, 1, all[0].ID, "ACCEPTED")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	mitigated, err := o.ListRisks(ctx, 1, "mitigated")
	require.NoError(t, err)
	require.Len(t, mitigated, 1)
	assert.Equal(t, all[0].ID, mitigated[0].ID)
}
