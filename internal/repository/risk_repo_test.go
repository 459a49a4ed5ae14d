package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forecast-service/internal/model"
)

var clock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMemoryRepo() *MemoryRiskRepository {
	return NewMemoryRiskRepository(zap.NewNop()).WithClock(func() time.Time { return clock })
}

func scopeCandidate(projectID int, probability, impact float64) *model.RiskCandidate {
	return &model.RiskCandidate{
		ProjectID:   projectID,
		Source:      model.SourceEngine,
		Category:    model.CategoryScope,
		Probability: probability,
		Impact:      impact,
		Description: "Scope grew 15% from 200 to 230 points since baseline",
		Mitigation:  "Defer 15 points",
	}
}

func TestMemoryRiskRepository_UpsertUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()

	first, err := repo.Upsert(ctx, scopeCandidate(1, 0.6, 0.5))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "created", first.Action())

	second, err := repo.Upsert(ctx, scopeCandidate(1, 0.7, 0.6))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, first.Entry.DetectedAt, second.Entry.DetectedAt)
	assert.True(t, second.Entry.UpdatedAt.After(first.Entry.UpdatedAt))
	assert.Equal(t, 0.7, second.Entry.Probability)

	active := model.StatusActive
	list, err := repo.ListByProject(ctx, 1, &active)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryRiskRepository_TerminalStatusCreatesNewEntry(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()

	first, err := repo.Upsert(ctx, scopeCandidate(1, 0.6, 0.5))
	require.NoError(t, err)

	dismissed, err := repo.UpdateStatus(ctx, 1, first.Entry.ID, model.StatusDismissed)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDismissed, dismissed.Status)

	again, err := repo.Upsert(ctx, scopeCandidate(1, 0.8, 0.9))
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, first.Entry.ID, again.Entry.ID)

	old, err := repo.Get(ctx, first.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDismissed, old.Status)
	assert.Equal(t, 0.6, old.Probability)
	assert.Equal(t, 0.5, old.Impact)
	assert.Equal(t, dismissed.UpdatedAt, old.UpdatedAt)
}

func TestMemoryRiskRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	res, err := repo.Upsert(ctx, scopeCandidate(1, 0.6, 0.5))
	require.NoError(t, err)
	id := res.Entry.ID

	_, err = repo.UpdateStatus(ctx, 2, id, model.StatusMitigated)
	assert.ErrorIs(t, err, model.ErrRiskNotFound)

	_, err = repo.UpdateStatus(ctx, 1, "missing", model.StatusMitigated)
	assert.ErrorIs(t, err, model.ErrRiskNotFound)

	_, err = repo.UpdateStatus(ctx, 1, id, model.StatusActive)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = repo.UpdateStatus(ctx, 1, id, model.StatusAccepted)
	require.NoError(t, err)

	_, err = repo.UpdateStatus(ctx, 1, id, model.StatusMitigated)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestMemoryRiskRepository_ListOrdering(t *testing.T) {
	ctx := context.Background()
	now := clock
	repo := NewMemoryRiskRepository(zap.NewNop()).WithClock(func() time.Time { return now })

	low := scopeCandidate(1, 0.4, 0.4)
	_, err := repo.Upsert(ctx, low)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	high := &model.RiskCandidate{ProjectID: 1, Source: model.SourceEngine, Category: model.CategorySchedule, Probability: 0.85, Impact: 0.9}
	_, err = repo.Upsert(ctx, high)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	// 与 low 同样的严重度，但更晚被检测到
	tie := &model.RiskCandidate{ProjectID: 1, Source: model.SourceEngine, Category: model.CategoryResource, Probability: 0.4, Impact: 0.4}
	_, err = repo.Upsert(ctx, tie)
	require.NoError(t, err)

	_, err = repo.Upsert(ctx, scopeCandidate(2, 0.9, 0.9))
	require.NoError(t, err)

	list, err := repo.ListByProject(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, model.CategorySchedule, list[0].Category)
	assert.Equal(t, model.CategoryResource, list[1].Category)
	assert.Equal(t, model.CategoryScope, list[2].Category)

	empty, err := repo.ListByProject(ctx, 3, nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestMemoryRiskRepository_ConcurrentUpsertKeepsSingleActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRiskRepository(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Upsert(ctx, scopeCandidate(1, 0.6, 0.5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := repo.ListByProject(ctx, 1, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryRiskRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	res, err := repo.Upsert(ctx, scopeCandidate(1, 0.6, 0.5))
	require.NoError(t, err)

	res.Entry.Status = model.StatusDismissed
	stored, err := repo.Get(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.Status)
}

func TestNextUpdatedAt(t *testing.T) {
	prev := clock
	assert.Equal(t, prev.Add(time.Microsecond), nextUpdatedAt(prev, prev))
	assert.Equal(t, prev.Add(time.Microsecond), nextUpdatedAt(prev.Add(-time.Second), prev))
	assert.Equal(t, prev.Add(time.Second), nextUpdatedAt(prev.Add(time.Second), prev))
}
