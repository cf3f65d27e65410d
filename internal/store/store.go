// Package store defines the shared task store the distributed runtime
// coordinates through, and an in-memory implementation of it.
//
// The only synchronization primitive between workers is Claim: an atomic
// conditional update guarded by the expected status and row version.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/colony/pkg/models"
)

var (
	// ErrClaimLost indicates another worker claimed the task first.
	ErrClaimLost = errors.New("task claim lost")
	// ErrNotFound indicates the task does not exist for the tenant.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition indicates the task is not in a state that allows the change.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// PendingQuery selects claimable tasks.
type PendingQuery struct {
	TenantID string
	// TaskType restricts the result to one task type when set.
	TaskType string
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// ListQuery selects tasks for display.
type ListQuery struct {
	TenantID string
	Status   models.TaskStatus
	Limit    int
}

// Store is a tenant-scoped shared task store.
type Store interface {
	// Create inserts a new PENDING task. ID, CreatedAt and Version are assigned.
	Create(ctx context.Context, t models.Task) (*models.Task, error)
	Get(ctx context.Context, tenantID, id string) (*models.Task, error)
	// FetchPending returns claimable PENDING tasks ordered by priority
	// descending then creation time ascending. Tasks waiting for approval are
	// left out.
	FetchPending(ctx context.Context, q PendingQuery) ([]*models.Task, error)
	// Claim moves t from PENDING to IN_PROGRESS if nobody changed it since it
	// was read. It returns ErrClaimLost otherwise and updates t on success.
	Claim(ctx context.Context, t *models.Task) error
	// Complete records the outcome of a claimed task.
	Complete(ctx context.Context, t *models.Task, res models.TaskResult) error
	// Approve opens the approval gate of a task.
	Approve(ctx context.Context, tenantID, id string) error
	// Block holds a PENDING task out of the queue with a reason.
	Block(ctx context.Context, tenantID, id, reason string) error
	// Requeue moves a BLOCKED task back to PENDING. Terminal tasks never
	// change; failed work is retried with Retry.
	Requeue(ctx context.Context, tenantID, id string) error
	// Cancel moves a non-terminal task to CANCELLED.
	Cancel(ctx context.Context, tenantID, id string) error
	Counts(ctx context.Context, tenantID string) (map[models.TaskStatus]int, error)
	List(ctx context.Context, q ListQuery) ([]*models.Task, error)
	Close() error
}

// Outcome returns the final status, result payload and error message for a
// task result.
func Outcome(res models.TaskResult) (models.TaskStatus, map[string]any, string) {
	if res.Succeeded() {
		out := make(map[string]any, len(res.Output)+1)
		for k, v := range res.Output {
			out[k] = v
		}
		if res.Summary != "" {
			out["summary"] = res.Summary
		}
		return models.TaskStatusCompleted, out, ""
	}

	msg := res.Error
	if msg == "" {
		msg = "task failed"
	}
	return models.TaskStatusFailed, nil, msg
}

// RetryOfKey is the metadata key linking a retry to the failed task it copies.
const RetryOfKey = "retry_of"

// Retry creates a new PENDING task from a FAILED one. The failed row stays as
// it is; the copy keeps its work fields and approval and records the
// original id under RetryOfKey.
func Retry(ctx context.Context, s Store, tenantID, id string) (*models.Task, error) {
	old, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if old.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s, only failed tasks are retried", ErrInvalidTransition, id, old.Status)
	}

	meta := make(map[string]string, len(old.Metadata)+1)
	for k, v := range old.Metadata {
		meta[k] = v
	}
	meta[RetryOfKey] = old.ID

	return s.Create(ctx, models.Task{
		TenantID:          old.TenantID,
		Title:             old.Title,
		Description:       old.Description,
		Type:              old.Type,
		Payload:           old.Payload,
		Assignee:          old.Assignee,
		Priority:          old.Priority,
		DependsOn:         old.DependsOn,
		ParentID:          old.ParentID,
		Tags:              old.Tags,
		Metadata:          meta,
		EstimatedDuration: old.EstimatedDuration,
		RequiresReview:    old.RequiresReview,
		Approved:          old.Approved,
	})
}
