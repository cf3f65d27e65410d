package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/colony/pkg/models"
)

// MemoryConfig configures a Memory store.
type MemoryConfig struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

func (c *MemoryConfig) defaults() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Memory is an in-process Store. It is safe for concurrent use and is what
// tests and single-process runs use.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	clock func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	cfg.defaults()
	return &Memory{tasks: make(map[string]*models.Task), clock: cfg.Clock}
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, t models.Task) (*models.Task, error) {
	if err := validateNew(t); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task := t.Clone()
	task.ID = ulid.Make().String()
	task.Status = models.TaskStatusPending
	task.CreatedAt = m.clock().UTC()
	task.Version = 0
	task.StartedAt, task.CompletedAt = nil, nil
	m.tasks[task.ID] = task
	return task.Clone(), nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, tenantID, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(tenantID, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (m *Memory) lookupLocked(tenantID, id string) (*models.Task, error) {
	t, ok := m.tasks[id]
	if !ok || t.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// FetchPending implements Store.
func (m *Memory) FetchPending(_ context.Context, q PendingQuery) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Task
	for _, t := range m.tasks {
		if t.TenantID != q.TenantID || t.Status != models.TaskStatusPending || !t.Runnable() {
			continue
		}
		if q.TaskType != "" && t.Type != q.TaskType {
			continue
		}
		out = append(out, t.Clone())
	}
	sortPending(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Claim implements Store.
func (m *Memory) Claim(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.lookupLocked(t.TenantID, t.ID)
	if err != nil {
		return err
	}
	if cur.Status != models.TaskStatusPending || cur.Version != t.Version {
		return ErrClaimLost
	}

	now := m.clock().UTC()
	cur.Status = models.TaskStatusInProgress
	cur.StartedAt = &now
	cur.Version++
	*t = *cur.Clone()
	return nil
}

// Complete implements Store.
func (m *Memory) Complete(_ context.Context, t *models.Task, res models.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.lookupLocked(t.TenantID, t.ID)
	if err != nil {
		return err
	}
	if cur.Status != models.TaskStatusInProgress || cur.Version != t.Version {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, t.ID, cur.Status)
	}

	status, result, msg := Outcome(res)
	now := m.clock().UTC()
	cur.Status = status
	cur.Result = result
	cur.Error = msg
	cur.CompletedAt = &now
	cur.Version++
	*t = *cur.Clone()
	return nil
}

// Approve implements Store.
func (m *Memory) Approve(_ context.Context, tenantID, id string) error {
	return m.update(tenantID, id, func(t *models.Task) error {
		if t.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
		}
		t.Approved = true
		return nil
	})
}

// Block implements Store.
func (m *Memory) Block(_ context.Context, tenantID, id, reason string) error {
	return m.update(tenantID, id, func(t *models.Task) error {
		if t.Status != models.TaskStatusPending {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
		}
		t.Status = models.TaskStatusBlocked
		t.BlockedReason = reason
		return nil
	})
}

// Requeue implements Store.
func (m *Memory) Requeue(_ context.Context, tenantID, id string) error {
	return m.update(tenantID, id, func(t *models.Task) error {
		if t.Status != models.TaskStatusBlocked || !models.CanTransition(t.Status, models.TaskStatusPending) {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
		}
		t.Status = models.TaskStatusPending
		t.BlockedReason = ""
		return nil
	})
}

// Cancel implements Store.
func (m *Memory) Cancel(_ context.Context, tenantID, id string) error {
	return m.update(tenantID, id, func(t *models.Task) error {
		if !models.CanTransition(t.Status, models.TaskStatusCancelled) {
			return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
		}
		now := m.clock().UTC()
		t.Status = models.TaskStatusCancelled
		t.CompletedAt = &now
		return nil
	})
}

func (m *Memory) update(tenantID, id string, f func(t *models.Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLocked(tenantID, id)
	if err != nil {
		return err
	}
	if err := f(t); err != nil {
		return err
	}
	t.Version++
	return nil
}

// Counts implements Store.
func (m *Memory) Counts(_ context.Context, tenantID string) (map[models.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[models.TaskStatus]int)
	for _, t := range m.tasks {
		if t.TenantID == tenantID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// List implements Store. Tasks are returned newest first.
func (m *Memory) List(_ context.Context, q ListQuery) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Task
	for _, t := range m.tasks {
		if t.TenantID != q.TenantID || (q.Status != "" && t.Status != q.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func validateNew(t models.Task) error {
	switch {
	case t.TenantID == "":
		return fmt.Errorf("tenant id is required")
	case t.Assignee == "":
		return fmt.Errorf("agent id is required")
	case t.Title == "":
		return fmt.Errorf("title is required")
	case !t.Priority.Valid():
		return fmt.Errorf("invalid priority %d", t.Priority)
	}
	return nil
}

// sortPending orders by priority descending, then creation time and id ascending.
func sortPending(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
