// Package scheduler provides the in-process dependency-aware task scheduler.
//
// Tasks are held in a priority queue (CRITICAL first, FIFO among equal
// priorities) next to a completed-set. A queued task is ready when every
// dependency is in the completed-set and its approval gate is open.
// Dependency cycles are neither detected nor broken: tasks on a cycle never
// become ready.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrDuplicateTask indicates a task with the same ID already exists.
var ErrDuplicateTask = errors.New("task already exists")

// Config configures a Scheduler.
type Config struct {
	Logger log.Logger
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// NewID generates task IDs for tasks created without one.
	NewID func() string
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler.Scheduler"})
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = func() string { return uuid.New().String()[:8] }
	}
}

// queueEntry is a queued task with its insertion sequence.
type queueEntry struct {
	task *models.Task
	seq  uint64
}

// Scheduler owns task status transitions during in-process execution.
type Scheduler struct {
	mu sync.Mutex
	// tasks maps task ID to the task itself.
	tasks map[string]*models.Task
	// queue is sorted by priority descending, then insertion sequence.
	queue []queueEntry
	// completed tracks which tasks have been marked complete.
	completed map[string]struct{}
	seq       uint64

	logger log.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an empty scheduler.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		tasks:     make(map[string]*models.Task),
		completed: make(map[string]struct{}),
		logger:    cfg.Logger,
		now:       cfg.Clock,
		newID:     cfg.NewID,
	}
}

// CreateTask registers a task in PENDING. It does not queue it.
// The returned task is a copy.
func (s *Scheduler) CreateTask(t models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := t.Clone()
	if task.ID == "" {
		task.ID = s.newID()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if !task.Priority.Valid() {
		task.Priority = models.PriorityMedium
	}
	task.Status = models.TaskStatusPending
	task.CreatedAt = s.now()
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Approved = false

	s.tasks[task.ID] = task
	s.logger.Debugf("created task %s priority=%s depends_on=%v", task.ID, task.Priority, task.DependsOn)
	return task.Clone(), nil
}

// QueueTask moves a PENDING task into the priority queue.
// Returns false if the task is unknown or not PENDING.
func (s *Scheduler) QueueTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskStatusPending {
		return false
	}
	task.Status = models.TaskStatusQueued
	s.enqueueLocked(task)
	return true
}

// enqueueLocked inserts after every entry of equal or higher priority.
func (s *Scheduler) enqueueLocked(task *models.Task) {
	s.seq++
	idx := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].task.Priority < task.Priority
	})
	s.queue = append(s.queue, queueEntry{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = queueEntry{task: task, seq: s.seq}
	s.logger.Debugf("queued task %s at position %d of %d", task.ID, idx, len(s.queue))
}

func (s *Scheduler) dequeueLocked(id string) {
	for i, e := range s.queue {
		if e.task.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// readyLocked reports whether deps are complete and the approval gate is open.
func (s *Scheduler) readyLocked(task *models.Task) bool {
	if !task.Runnable() {
		return false
	}
	for _, depID := range task.DependsOn {
		if _, done := s.completed[depID]; !done {
			return false
		}
	}
	return true
}

// GetNextTask returns the first queued task, in queue order, whose
// dependencies are all completed and whose approval gate is open.
// It does not remove the task from the queue; StartTask does.
func (s *Scheduler) GetNextTask() (*models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.queue {
		if s.readyLocked(e.task) {
			return e.task.Clone(), true
		}
	}
	return nil, false
}

// StartTask moves a QUEUED or PENDING task to IN_PROGRESS and removes it from
// the queue. Returns false if dependencies or approval are missing.
func (s *Scheduler) StartTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false
	}
	if task.Status != models.TaskStatusQueued && task.Status != models.TaskStatusPending {
		return false
	}
	if !s.readyLocked(task) {
		s.logger.Debugf("refusing to start task %s: dependencies or approval missing", id)
		return false
	}

	now := s.now()
	task.Status = models.TaskStatusInProgress
	task.StartedAt = &now
	s.dequeueLocked(id)
	return true
}

// CompleteTask marks an IN_PROGRESS task COMPLETED and adds it to the completed-set.
func (s *Scheduler) CompleteTask(id string, result map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || !models.CanTransition(task.Status, models.TaskStatusCompleted) {
		return false
	}
	now := s.now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result
	s.completed[id] = struct{}{}
	s.logger.Debugf("completed task %s", id)
	return true
}

// FailTask marks a task FAILED. The task never enters the completed-set,
// so its dependents never become ready.
func (s *Scheduler) FailTask(id string, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || !models.CanTransition(task.Status, models.TaskStatusFailed) {
		return false
	}
	now := s.now()
	task.Status = models.TaskStatusFailed
	task.CompletedAt = &now
	task.Error = errMsg
	s.dequeueLocked(id)
	s.logger.Debugf("failed task %s: %s", id, errMsg)
	return true
}

// BlockTask moves a PENDING or QUEUED task to BLOCKED with a reason.
func (s *Scheduler) BlockTask(id string, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || !models.CanTransition(task.Status, models.TaskStatusBlocked) {
		return false
	}
	task.Status = models.TaskStatusBlocked
	task.BlockedReason = reason
	s.dequeueLocked(id)
	s.logger.Debugf("blocked task %s: %s", id, reason)
	return true
}

// ApproveTask opens the approval gate. Status and queue position are unchanged.
func (s *Scheduler) ApproveTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status.Terminal() {
		return false
	}
	task.Approved = true
	return true
}

// RequeueTask moves a BLOCKED task back to QUEUED at the tail of its priority band.
func (s *Scheduler) RequeueTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskStatusBlocked {
		return false
	}
	task.Status = models.TaskStatusQueued
	task.BlockedReason = ""
	s.enqueueLocked(task)
	return true
}

// CancelTask moves any non-terminal task to CANCELLED.
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || !models.CanTransition(task.Status, models.TaskStatusCancelled) {
		return false
	}
	now := s.now()
	task.Status = models.TaskStatusCancelled
	task.CompletedAt = &now
	s.dequeueLocked(id)
	return true
}

// GetTask returns a copy of the task with the given ID.
func (s *Scheduler) GetTask(id string) (*models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Stats summarizes the scheduler contents.
type Stats struct {
	Total     int                       `json:"total"`
	Queued    int                       `json:"queued"`
	Completed int                       `json:"completed"`
	ByStatus  map[models.TaskStatus]int `json:"by_status"`
}

// Stats returns counts by status plus queue and completed-set sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Total:     len(s.tasks),
		Queued:    len(s.queue),
		Completed: len(s.completed),
		ByStatus:  make(map[models.TaskStatus]int),
	}
	for _, t := range s.tasks {
		st.ByStatus[t.Status]++
	}
	return st
}
