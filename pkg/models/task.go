package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task was created but not queued.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusQueued indicates the task is waiting in the scheduler queue.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates approval was withheld or an external error stopped the task.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCancelled indicates the task was administratively cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that never change again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// transitions lists the allowed target states for every non-terminal state.
// BLOCKED only leaves through an explicit requeue (to QUEUED or PENDING) or cancellation.
var transitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusQueued:     {},
		TaskStatusInProgress: {},
		TaskStatusFailed:     {},
		TaskStatusBlocked:    {},
		TaskStatusCancelled:  {},
	},
	TaskStatusQueued: {
		TaskStatusInProgress: {},
		TaskStatusFailed:     {},
		TaskStatusBlocked:    {},
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusBlocked: {
		TaskStatusQueued:    {},
		TaskStatusPending:   {},
		TaskStatusCancelled: {},
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Priority is the scheduling bucket of a task. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid returns true if the priority is a known bucket.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name (case-insensitive) or its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return PriorityLow, nil
	case "medium", "1", "":
		return PriorityMedium, nil
	case "high", "2":
		return PriorityHigh, nil
	case "critical", "3":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// TenantID scopes the task in a shared store.
	TenantID string `json:"tenant_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type is the task-type tag used by the executor variant.
	Type string `json:"task_type,omitempty"`
	// Payload is free-form input for the executing agent.
	Payload map[string]any `json:"payload,omitempty"`
	// Assignee is the name of the agent capability that runs this task.
	Assignee string `json:"assignee"`
	// Priority is the scheduling bucket.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// ParentID is the ID of the parent task, if any.
	ParentID string `json:"parent_id,omitempty"`
	// SubtaskIDs lists child task IDs.
	SubtaskIDs []string `json:"subtask_ids,omitempty"`
	// Tags is a free-form tag set.
	Tags []string `json:"tags,omitempty"`
	// Metadata carries auxiliary values such as the originating step id.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task entered IN_PROGRESS.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// EstimatedDuration is an optional planning estimate.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	// Result holds the output of a successful run.
	Result map[string]any `json:"result,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// BlockedReason explains why the task is BLOCKED.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// RequiresReview gates the task behind approval.
	RequiresReview bool `json:"requires_review"`
	// Approved is set by the safety gate.
	Approved bool `json:"approved"`
	// Version increments on every store-side status change.
	Version int64 `json:"version"`
}

// ActualDuration returns the time spent running. The second value is false
// unless both StartedAt and CompletedAt are set.
func (t *Task) ActualDuration() (time.Duration, bool) {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*t.StartedAt), true
}

// Runnable reports whether the approval gate allows the task to start.
func (t *Task) Runnable() bool {
	return !t.RequiresReview || t.Approved
}

// Clone returns a deep copy so callers can't mutate scheduler-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Payload = cloneMap(t.Payload)
	c.Result = cloneMap(t.Result)
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
