package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"forecast-service/internal/model"
	"forecast-service/pkg/db"
	"forecast-service/pkg/otel"
)

// ProjectStatsRepository 从平台的 projects / tasks 表读取预测所需的历史与范围数据。
// 一个周期为一个自然周（周一开始），当前未结束的周不计入历史。
type ProjectStatsRepository struct {
	db     db.DB
	logger *zap.Logger
}

func NewProjectStatsRepository(db db.DB, logger *zap.Logger) *ProjectStatsRepository {
	return &ProjectStatsRepository{
		db:     db,
		logger: logger,
	}
}

// GetPeriods 返回最近 window 个已结束的周，按时间升序；window <= 0 表示全部
func (r *ProjectStatsRepository) GetPeriods(ctx context.Context, projectID int, window int) (periods []model.VelocityPeriod, err error) {
	ctx, span := otel.DBSpan(ctx, "select_periods", "tasks")
	defer func() { otel.EndSpan(span, err) }()

	limit := window
	if limit <= 0 {
		limit = math.MaxInt32
	}

	query := `
		WITH weeks AS (
			SELECT generate_series(
				date_trunc('week', p.created_at),
				date_trunc('week', NOW()) - INTERVAL '1 week',
				INTERVAL '1 week'
			) AS week_start
			FROM projects p
			WHERE p.id = $1
		)
		SELECT w.week_start,
		       (SELECT COALESCE(SUM(t.story_points), 0)::float8 FROM tasks t
		         WHERE t.project_id = $1 AND t.status = 'done'
		           AND t.completed_at >= w.week_start AND t.completed_at < w.week_start + INTERVAL '1 week'),
		       (SELECT COUNT(*)::int FROM tasks t
		         WHERE t.project_id = $1
		           AND t.due_date >= w.week_start AND t.due_date < w.week_start + INTERVAL '1 week'),
		       (SELECT COUNT(*)::int FROM tasks t
		         WHERE t.project_id = $1 AND t.status = 'done'
		           AND t.completed_at >= w.week_start AND t.completed_at < w.week_start + INTERVAL '1 week')
		FROM weeks w
		ORDER BY w.week_start DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, projectID, limit)
	if err != nil {
		r.logger.Error("Failed to query velocity periods", zap.Int("project_id", projectID), zap.Error(err))
		return nil, fmt.Errorf("failed to query velocity periods: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.VelocityPeriod
		if err := rows.Scan(&p.StartDate, &p.CompletedPoints, &p.TotalTasks, &p.CompletedTasks); err != nil {
			return nil, fmt.Errorf("failed to scan velocity period: %w", err)
		}
		p.StartDate = p.StartDate.UTC()
		p.EndDate = p.StartDate.AddDate(0, 0, 7)
		p.Label = weekLabel(p.StartDate)
		periods = append(periods, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read velocity periods: %w", err)
	}

	// 查询按时间倒序以便 LIMIT 取最近的周
	for i, j := 0, len(periods)-1; i < j; i, j = i+1, j-1 {
		periods[i], periods[j] = periods[j], periods[i]
	}

	r.logger.Debug("Loaded velocity periods",
		zap.Int("project_id", projectID),
		zap.Int("window", window),
		zap.Int("count", len(periods)),
	)
	return periods, nil
}

// GetBaseline 项目立项时确认的范围；未设置时为 0
func (r *ProjectStatsRepository) GetBaseline(ctx context.Context, projectID int) (float64, error) {
	var baseline *float64
	err := r.db.QueryRow(ctx, `SELECT baseline_points::float8 FROM projects WHERE id = $1`, projectID).Scan(&baseline)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrProjectNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get baseline scope: %w", err)
	}
	if baseline == nil {
		return 0, nil
	}
	return *baseline, nil
}

// GetCurrent 当前全部任务的点数
func (r *ProjectStatsRepository) GetCurrent(ctx context.Context, projectID int) (float64, error) {
	query := `
		SELECT COALESCE(SUM(t.story_points), 0)::float8
		FROM projects p
		LEFT JOIN tasks t ON t.project_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`
	return r.sumPoints(ctx, "current scope", query, projectID)
}

// GetRemaining 尚未完成的任务点数
func (r *ProjectStatsRepository) GetRemaining(ctx context.Context, projectID int) (float64, error) {
	query := `
		SELECT COALESCE(SUM(t.story_points) FILTER (WHERE t.status <> 'done'), 0)::float8
		FROM projects p
		LEFT JOIN tasks t ON t.project_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`
	return r.sumPoints(ctx, "remaining scope", query, projectID)
}

func (r *ProjectStatsRepository) sumPoints(ctx context.Context, what, query string, projectID int) (float64, error) {
	var points float64
	err := r.db.QueryRow(ctx, query, projectID).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrProjectNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", what, err)
	}
	return points, nil
}

// GetTarget 项目没有截止日期时返回 nil
func (r *ProjectStatsRepository) GetTarget(ctx context.Context, projectID int) (*time.Time, error) {
	var target *time.Time
	err := r.db.QueryRow(ctx, `SELECT target_date FROM projects WHERE id = $1`, projectID).Scan(&target)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target date: %w", err)
	}
	return target, nil
}

func weekLabel(start time.Time) string {
	year, week := start.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
