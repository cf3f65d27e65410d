package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/internal/tui"
	"github.com/ShayCichocki/colony/pkg/models"
)

// statusPendingShown is how many of the most urgent pending tasks are listed.
const statusPendingShown = 5

func newStatusCommand(a *app) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts and the most urgent pending tasks",
		Long: `Print the number of pending, in-progress, completed and failed tasks of the
tenant, followed by the most urgent pending tasks and the tasks still
awaiting approval.

With --watch, open a live dashboard that refreshes every --interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			tenant := a.cfg.Store.Tenant

			if watch {
				p := tui.NewStatusProgram(cmd.Context(), dashboardSource(st, tenant), interval)
				if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
					return err
				}
				return nil
			}

			counts, err := st.Counts(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			pending, err := st.FetchPending(cmd.Context(), store.PendingQuery{TenantID: tenant, Limit: statusPendingShown})
			if err != nil {
				return err
			}
			gated, err := awaitingApproval(cmd.Context(), st, tenant)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), tenant, counts, pending, gated)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Open a live dashboard")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Dashboard refresh interval")
	return cmd
}

func dashboardSource(st store.Store, tenant string) tui.Source {
	return func(ctx context.Context) (tui.Snapshot, error) {
		counts, err := st.Counts(ctx, tenant)
		if err != nil {
			return tui.Snapshot{}, err
		}
		recent, err := st.List(ctx, store.ListQuery{TenantID: tenant, Limit: 50})
		if err != nil {
			return tui.Snapshot{}, err
		}
		return tui.Snapshot{Tenant: tenant, Counts: counts, Recent: recent, FetchedAt: time.Now()}, nil
	}
}

// awaitingApproval lists the PENDING tasks held by the approval gate, newest first.
func awaitingApproval(ctx context.Context, st store.Store, tenant string) ([]*models.Task, error) {
	all, err := st.List(ctx, store.ListQuery{TenantID: tenant, Status: models.TaskStatusPending})
	if err != nil {
		return nil, err
	}
	var gated []*models.Task
	for _, t := range all {
		if !t.Runnable() {
			gated = append(gated, t)
		}
	}
	return gated, nil
}

var statusColors = map[models.TaskStatus]*color.Color{
	models.TaskStatusPending:    color.New(color.FgCyan),
	models.TaskStatusInProgress: color.New(color.FgBlue),
	models.TaskStatusCompleted:  color.New(color.FgGreen),
	models.TaskStatusFailed:     color.New(color.FgRed),
	models.TaskStatusBlocked:    color.New(color.FgYellow),
}

func printStatus(w io.Writer, tenant string, counts map[models.TaskStatus]int, pending, gated []*models.Task) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Tenant: %s\n", tenant)

	for _, s := range []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusInProgress,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	} {
		fmt.Fprintf(w, "  %-12s ", string(s)+":")
		statusColors[s].Fprintf(w, "%d", counts[s])
		if s == models.TaskStatusPending && len(gated) > 0 {
			fmt.Fprintf(w, " (%d awaiting approval)", len(gated))
		}
		fmt.Fprintln(w)
	}
	for _, s := range []models.TaskStatus{models.TaskStatusBlocked, models.TaskStatusCancelled} {
		if counts[s] > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", string(s)+":", counts[s])
		}
	}

	fmt.Fprintln(w)
	if len(pending) == 0 {
		fmt.Fprintln(w, "No runnable pending tasks.")
	} else {
		bold.Fprintln(w, "Next pending tasks:")
		printTaskLines(w, pending)
	}

	if len(gated) > 0 {
		fmt.Fprintln(w)
		bold.Fprintln(w, "Awaiting approval (colony approve <task_id>):")
		if len(gated) > statusPendingShown {
			gated = gated[:statusPendingShown]
		}
		printTaskLines(w, gated)
	}
}

func printTaskLines(w io.Writer, tasks []*models.Task) {
	for _, t := range tasks {
		typ := t.Type
		if typ == "" {
			typ = "-"
		}
		fmt.Fprintf(w, "  %s  %-8s  %-10s  %-16s  %s\n", t.ID, t.Priority, t.Assignee, typ, t.Title)
	}
}
