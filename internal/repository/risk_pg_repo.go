package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	mqcontracts "forecast-service/contracts/mq"
	"forecast-service/internal/model"
	"forecast-service/pkg/db"
	"forecast-service/pkg/otel"
	"forecast-service/pkg/outbox"
	"forecast-service/pkg/trace"
)

const riskColumns = `id::text, project_id, source, category, probability, impact,
               description, mitigation, status, details, detected_at, updated_at`

// PostgresRiskRepository 写操作在同一事务内完成：advisory lock 串行化同一 (project, category)，
// 部分唯一索引 risk_entries_one_active 兜底，outbox 事件随事务一起提交。
type PostgresRiskRepository struct {
	db     db.DB
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewPostgresRiskRepository(db db.DB, outboxRepo *outbox.Repository, logger *zap.Logger) *PostgresRiskRepository {
	return &PostgresRiskRepository{
		db:     db,
		outbox: outboxRepo,
		logger: logger,
	}
}

func (r *PostgresRiskRepository) Upsert(ctx context.Context, c *model.RiskCandidate) (res *UpsertResult, err error) {
	ctx, span := otel.DBSpan(ctx, "upsert", "risk_entries")
	defer func() { otel.EndSpan(span, err) }()

	details, err := json.Marshal(c.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal risk details: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(c.ProjectID, c.Category)); err != nil {
		return nil, fmt.Errorf("failed to acquire risk lock: %w", err)
	}

	query := `
		SELECT ` + riskColumns + `
		FROM risk_entries
		WHERE project_id = $1 AND category = $2 AND status = 'ACTIVE'
		FOR UPDATE
	`
	entry, err := scanRisk(tx.QueryRow(ctx, query, c.ProjectID, string(c.Category)))
	created := false

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		entry, err = r.insertTx(ctx, tx, c, details)
		if err != nil {
			return nil, err
		}
		created = true
	case err != nil:
		return nil, fmt.Errorf("failed to find active risk: %w", err)
	default:
		entry.ApplyCandidate(c)
		update := `
			UPDATE risk_entries
			SET probability = $2, impact = $3, description = $4, mitigation = $5, details = $6,
			    updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
			WHERE id = $1
			RETURNING updated_at
		`
		err = tx.QueryRow(ctx, update,
			entry.ID,
			entry.Probability,
			entry.Impact,
			entry.Description,
			entry.Mitigation,
			details,
		).Scan(&entry.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to update risk: %w", err)
		}
	}

	routingKey := mqcontracts.RoutingRiskUpdated
	if created {
		routingKey = mqcontracts.RoutingRiskDetected
	}
	if err = r.outbox.Enqueue(ctx, tx, "risk", entry.ID, routingKey, riskEventPayload(ctx, entry)); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("Risk upserted",
		zap.String("id", entry.ID),
		zap.Int("project_id", entry.ProjectID),
		zap.String("category", string(entry.Category)),
		zap.Bool("created", created),
	)
	return &UpsertResult{Entry: entry, Created: created}, nil
}

func (r *PostgresRiskRepository) insertTx(ctx context.Context, tx pgx.Tx, c *model.RiskCandidate, details []byte) (*model.RiskEntry, error) {
	entry := &model.RiskEntry{
		ID:          uuid.NewString(),
		ProjectID:   c.ProjectID,
		Source:      c.Source,
		Category:    c.Category,
		Probability: c.Probability,
		Impact:      c.Impact,
		Description: c.Description,
		Mitigation:  c.Mitigation,
		Status:      model.StatusActive,
		Details:     c.Details,
	}

	query := `
		INSERT INTO risk_entries (id, project_id, source, category, probability, impact,
		                          description, mitigation, status, details, detected_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING detected_at, updated_at
	`
	err := tx.QueryRow(ctx, query,
		entry.ID,
		entry.ProjectID,
		string(entry.Source),
		string(entry.Category),
		entry.Probability,
		entry.Impact,
		entry.Description,
		entry.Mitigation,
		string(entry.Status),
		details,
	).Scan(&entry.DetectedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert risk: %w", err)
	}
	return entry, nil
}

func (r *PostgresRiskRepository) UpdateStatus(ctx context.Context, projectID int, id string, status model.RiskStatus) (entry *model.RiskEntry, err error) {
	ctx, span := otel.DBSpan(ctx, "update_status", "risk_entries")
	defer func() { otel.EndSpan(span, err) }()

	if _, parseErr := uuid.Parse(id); parseErr != nil {
		return nil, model.ErrRiskNotFound
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + riskColumns + ` FROM risk_entries WHERE id = $1 FOR UPDATE`
	entry, err = scanRisk(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRiskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk: %w", err)
	}
	if entry.ProjectID != projectID {
		return nil, model.ErrRiskNotFound
	}

	from := entry.Status
	if !model.CanTransition(from, status) {
		return nil, invalidTransition(from, status)
	}

	update := `
		UPDATE risk_entries
		SET status = $2, updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
		WHERE id = $1
		RETURNING updated_at
	`
	if err = tx.QueryRow(ctx, update, id, string(status)).Scan(&entry.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to update risk status: %w", err)
	}
	entry.Status = status

	payload := mqcontracts.RiskStatusChangedPayload{
		RiskID:     entry.ID,
		ProjectID:  entry.ProjectID,
		Category:   string(entry.Category),
		FromStatus: string(from),
		ToStatus:   string(status),
		ChangedAt:  entry.UpdatedAt,
		TraceID:    trace.FromContext(ctx),
	}
	if err = r.outbox.Enqueue(ctx, tx, "risk", entry.ID, mqcontracts.RoutingRiskStatusChanged, payload); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("Risk status changed",
		zap.String("id", entry.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return entry, nil
}

func (r *PostgresRiskRepository) ListByProject(ctx context.Context, projectID int, status *model.RiskStatus) (entries []*model.RiskEntry, err error) {
	ctx, span := otel.DBSpan(ctx, "list", "risk_entries")
	defer func() { otel.EndSpan(span, err) }()

	query := `SELECT ` + riskColumns + ` FROM risk_entries WHERE project_id = $1`
	args := []any{projectID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY probability * impact DESC, detected_at DESC, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list risks: %w", err)
	}
	defer rows.Close()

	entries = make([]*model.RiskEntry, 0)
	for rows.Next() {
		e, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list risks: %w", err)
	}
	return entries, nil
}

func (r *PostgresRiskRepository) Get(ctx context.Context, id string) (*model.RiskEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrRiskNotFound
	}

	query := `SELECT ` + riskColumns + ` FROM risk_entries WHERE id = $1`
	e, err := scanRisk(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrRiskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk: %w", err)
	}
	return e, nil
}

func scanRisk(row pgx.Row) (*model.RiskEntry, error) {
	var (
		e                        model.RiskEntry
		source, category, status string
		details                  []byte
	)
	err := row.Scan(
		&e.ID,
		&e.ProjectID,
		&source,
		&category,
		&e.Probability,
		&e.Impact,
		&e.Description,
		&e.Mitigation,
		&status,
		&details,
		&e.DetectedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Source = model.RiskSource(source)
	e.Category = model.RiskCategory(category)
	e.Status = model.RiskStatus(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode risk details: %w", err)
		}
	}
	return &e, nil
}

func riskEventPayload(ctx context.Context, e *model.RiskEntry) mqcontracts.RiskEventPayload {
	return mqcontracts.RiskEventPayload{
		RiskID:      e.ID,
		ProjectID:   e.ProjectID,
		Category:    string(e.Category),
		Probability: e.Probability,
		Impact:      e.Impact,
		Description: e.Description,
		Mitigation:  e.Mitigation,
		DetectedAt:  e.DetectedAt,
		UpdatedAt:   e.UpdatedAt,
		TraceID:     trace.FromContext(ctx),
	}
}
