package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/pkg/models"
)

// taskOp changes one task and returns the line reported for it.
type taskOp func(ctx context.Context, st store.Store, tenantID, id string) (string, error)

// simpleOp adapts a store method that only reports an error.
func simpleOp(done string, op func(st store.Store, ctx context.Context, tenantID, id string) error) taskOp {
	return func(ctx context.Context, st store.Store, tenantID, id string) (string, error) {
		if err := op(st, ctx, tenantID, id); err != nil {
			return "", err
		}
		return id + " " + done, nil
	}
}

// newTaskAdminCommand builds a command applying op to every given task id.
func newTaskAdminCommand(a *app, use, short, long string, op taskOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task_id>...",
		Short: short,
		Long:  long,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, id := range args {
				line, err := op(cmd.Context(), st, a.cfg.Store.Tenant, id)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if failed > 0 {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}
}

// requeue sends BLOCKED tasks back to PENDING and retries FAILED ones as
// new tasks. Failed rows themselves never change.
func requeue(ctx context.Context, st store.Store, tenantID, id string) (string, error) {
	err := st.Requeue(ctx, tenantID, id)
	if err == nil {
		return id + " requeued", nil
	}
	if !errors.Is(err, store.ErrInvalidTransition) {
		return "", err
	}
	t, gerr := st.Get(ctx, tenantID, id)
	if gerr != nil || t.Status != models.TaskStatusFailed {
		return "", err
	}
	next, err := store.Retry(ctx, st, tenantID, id)
	if err != nil {
		return "", err
	}
	return id + " retried as " + next.ID, nil
}

func newRequeueCommand(a *app) *cobra.Command {
	return newTaskAdminCommand(a, "requeue", "Return blocked tasks to pending and retry failed ones",
		`Move BLOCKED tasks back to PENDING. A FAILED task keeps its record and
is retried as a new PENDING task copying its work, linked through the
retry_of metadata key. The runtime never retries a task on its own.`,
		requeue)
}

func newBlockCommand(a *app) *cobra.Command {
	var reason string
	cmd := newTaskAdminCommand(a, "block", "Hold pending tasks out of the queue",
		`Move PENDING tasks to BLOCKED. Blocked tasks stay out of the queue
until "colony requeue" releases them.`,
		func(ctx context.Context, st store.Store, tenantID, id string) (string, error) {
			if err := st.Block(ctx, tenantID, id, reason); err != nil {
				return "", err
			}
			return id + " blocked", nil
		})
	cmd.Flags().StringVar(&reason, "reason", "held by operator", "Why the tasks are held")
	return cmd
}

func newApproveCommand(a *app) *cobra.Command {
	return newTaskAdminCommand(a, "approve", "Approve tasks that require review",
		`Open the approval gate of tasks created with --requires-review.
Workers only fetch such tasks once they are approved.`,
		simpleOp("approved", store.Store.Approve))
}

func newCancelCommand(a *app) *cobra.Command {
	return newTaskAdminCommand(a, "cancel", "Cancel tasks that are not finished",
		`Move non-terminal tasks to CANCELLED. Cancelled tasks never run.`,
		simpleOp("cancelled", store.Store.Cancel))
}
