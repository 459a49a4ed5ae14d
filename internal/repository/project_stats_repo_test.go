package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"forecast-service/internal/model"
)

func newStatsRepo(t *testing.T) (*ProjectStatsRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewProjectStatsRepository(mock, zap.NewNop()), mock
}

func TestProjectStatsRepository_GetPeriods(t *testing.T) {
	repo, mock := newStatsRepo(t)
	w1 := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	w2 := w1.AddDate(0, 0, 7)

	// 查询按时间倒序返回
	mock.ExpectQuery(regexp.QuoteMeta("FROM weeks w")).
		WithArgs(7, 4).
		WillReturnRows(pgxmock.NewRows([]string{"week_start", "points", "total", "completed"}).
			AddRow(w2, 13.0, 5, 4).
			AddRow(w1, 8.0, 3, 2))

	periods, err := repo.GetPeriods(context.Background(), 7, 4)
	require.NoError(t, err)
	require.Len(t, periods, 2)

	assert.Equal(t, w1, periods[0].StartDate)
	assert.Equal(t, w1.AddDate(0, 0, 7), periods[0].EndDate)
	assert.Equal(t, "2026-W08", periods[0].Label)
	assert.Equal(t, 8.0, periods[0].CompletedPoints)
	assert.Equal(t, 3, periods[0].TotalTasks)
	assert.Equal(t, 2, periods[0].CompletedTasks)
	assert.Equal(t, 13.0, periods[1].CompletedPoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectStatsRepository_GetPeriodsAll(t *testing.T) {
	repo, mock := newStatsRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM weeks w")).
		WithArgs(7, 2147483647).
		WillReturnRows(pgxmock.NewRows([]string{"week_start", "points", "total", "completed"}))

	periods, err := repo.GetPeriods(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Empty(t, periods)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectStatsRepository_Scope(t *testing.T) {
	repo, mock := newStatsRepo(t)
	ctx := context.Background()

	baseline := 200.0
	mock.ExpectQuery(regexp.QuoteMeta("SELECT baseline_points::float8 FROM projects")).
		WithArgs(7).
		WillReturnRows(pgxmock.NewRows([]string{"baseline_points"}).AddRow(&baseline))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(t.story_points), 0)::float8")).
		WithArgs(7).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(230.0))
	mock.ExpectQuery(regexp.QuoteMeta("FILTER (WHERE t.status <> 'done')")).
		WithArgs(7).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(90.0))

	b, err := repo.GetBaseline(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 200.0, b)

	c, err := repo.GetCurrent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 230.0, c)

	r, err := repo.GetRemaining(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 90.0, r)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectStatsRepository_UnknownProject(t *testing.T) {
	repo, mock := newStatsRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT target_date FROM projects")).
		WithArgs(99).
		WillReturnRows(pgxmock.NewRows([]string{"target_date"}))
	mock.ExpectQuery(regexp.QuoteMeta("FILTER (WHERE t.status <> 'done')")).
		WithArgs(99).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}))

	_, err := repo.GetTarget(ctx, 99)
	assert.ErrorIs(t, err, model.ErrProjectNotFound)

	_, err = repo.GetRemaining(ctx, 99)
	assert.ErrorIs(t, err, model.ErrProjectNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectStatsRepository_GetTarget(t *testing.T) {
	repo, mock := newStatsRepo(t)
	target := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT target_date FROM projects")).
		WithArgs(7).
		WillReturnRows(pgxmock.NewRows([]string{"target_date"}).AddRow(&target))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT target_date FROM projects")).
		WithArgs(8).
		WillReturnRows(pgxmock.NewRows([]string{"target_date"}).AddRow(nil))

	got, err := repo.GetTarget(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, target, *got)

	none, err := repo.GetTarget(context.Background(), 8)
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.NoError(t, mock.ExpectationsWereMet())
}
