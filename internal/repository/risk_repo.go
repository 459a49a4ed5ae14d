package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forecast-service/internal/model"
)

// RiskRepository 风险条目存储。同一 (project, category) 最多一条 ACTIVE 记录。
type RiskRepository interface {
	// Upsert 原子地查找 ACTIVE 记录并更新，不存在时新建
	Upsert(ctx context.Context, c *model.RiskCandidate) (*UpsertResult, error)
	UpdateStatus(ctx context.Context, projectID int, id string, status model.RiskStatus) (*model.RiskEntry, error)
	// ListByProject status 为 nil 时返回全部状态
	ListByProject(ctx context.Context, projectID int, status *model.RiskStatus) ([]*model.RiskEntry, error)
	Get(ctx context.Context, id string) (*model.RiskEntry, error)
}

type UpsertResult struct {
	Entry   *model.RiskEntry
	Created bool
}

// Action 用于日志和指标
func (r *UpsertResult) Action() string {
	if r.Created {
		return "created"
	}
	return "updated"
}

// SortBySeverity probability×impact 降序，其次 detectedAt 降序
func SortBySeverity(entries []*model.RiskEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		si, sj := entries[i].Severity(), entries[j].Severity()
		if si != sj {
			return si > sj
		}
		if !entries[i].DetectedAt.Equal(entries[j].DetectedAt) {
			return entries[i].DetectedAt.After(entries[j].DetectedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

// nextUpdatedAt 保证 updatedAt 严格递增（数据库精度为微秒）
func nextUpdatedAt(now, prev time.Time) time.Time {
	now = now.Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func invalidTransition(from, to model.RiskStatus) error {
	return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
}

func lockKey(projectID int, category model.RiskCategory) string {
	return "risk:" + strconv.Itoa(projectID) + ":" + string(category)
}

// MemoryRiskRepository 进程内实现，单把锁串行化所有写操作
type MemoryRiskRepository struct {
	mu      sync.RWMutex
	entries map[string]*model.RiskEntry
	now     func() time.Time
	logger  *zap.Logger
}

func NewMemoryRiskRepository(logger *zap.Logger) *MemoryRiskRepository {
	return &MemoryRiskRepository{
		entries: make(map[string]*model.RiskEntry),
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock 测试用
func (r *MemoryRiskRepository) WithClock(now func() time.Time) *MemoryRiskRepository {
	r.now = now
	return r
}

func (r *MemoryRiskRepository) Upsert(_ context.Context, c *model.RiskCandidate) (*UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ProjectID == c.ProjectID && e.Category == c.Category && e.Status == model.StatusActive {
			e.ApplyCandidate(c)
			e.UpdatedAt = nextUpdatedAt(r.now(), e.UpdatedAt)
			r.logger.Debug("Risk updated",
				zap.String("id", e.ID),
				zap.Int("project_id", e.ProjectID),
				zap.String("category", string(e.Category)),
			)
			return &UpsertResult{Entry: clone(e)}, nil
		}
	}

	now := r.now().Truncate(time.Microsecond)
	e := &model.RiskEntry{
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
		DetectedAt:  now,
		UpdatedAt:   now,
	}
	r.entries[e.ID] = e
	r.logger.Info("Risk created",
		zap.String("id", e.ID),
		zap.Int("project_id", e.ProjectID),
		zap.String("category", string(e.Category)),
	)
	return &UpsertResult{Entry: clone(e), Created: true}, nil
}

func (r *MemoryRiskRepository) UpdateStatus(_ context.Context, projectID int, id string, status model.RiskStatus) (*model.RiskEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.ProjectID != projectID {
		return nil, model.ErrRiskNotFound
	}
	if !model.CanTransition(e.Status, status) {
		return nil, invalidTransition(e.Status, status)
	}
	e.Status = status
	e.UpdatedAt = nextUpdatedAt(r.now(), e.UpdatedAt)
	return clone(e), nil
}

func (r *MemoryRiskRepository) ListByProject(_ context.Context, projectID int, status *model.RiskStatus) ([]*model.RiskEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.RiskEntry, 0)
	for _, e := range r.entries {
		if e.ProjectID != projectID {
			continue
		}
		if status != nil && e.Status != *status {
			continue
		}
		out = append(out, clone(e))
	}
	SortBySeverity(out)
	return out, nil
}

func (r *MemoryRiskRepository) Get(_ context.Context, id string) (*model.RiskEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, model.ErrRiskNotFound
	}
	return clone(e), nil
}

func clone(e *model.RiskEntry) *model.RiskEntry {
	c := *e
	return &c
}
