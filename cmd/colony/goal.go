package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/orchestrator"
	"github.com/ShayCichocki/colony/pkg/models"
)

func newGoalCommand(a *app) *cobra.Command {
	var (
		session string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "goal <text>...",
		Short: "Plan a goal and run it in this process",
		Long: `Turn the goal into a plan, schedule one task per step and run ready tasks
on the built-in agents until none is left.

High-risk steps go through the safety review first; rejected steps stay
blocked. A failed step leaves the steps depending on it unrun.

Exits 1 when any step failed or was blocked.`,
		Example: `  colony goal "research rate limiters then implement one; deploy to staging"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.collaborators(ctx)
			if err != nil {
				return err
			}
			reg, err := a.registry(c)
			if err != nil {
				return err
			}
			planner, err := reg.Get(agent.NamePlanner)
			if err != nil {
				return err
			}

			opts := []orchestrator.Option{
				orchestrator.WithLogger(a.logger),
				orchestrator.WithReviewer(c.reviewer),
				orchestrator.WithDispatchTimeout(a.cfg.Orchestrator.DispatchTimeout),
			}
			if c.memory != nil {
				opts = append(opts, orchestrator.WithMemory(c.memory))
			}
			o, err := orchestrator.New(orchestrator.RequiredConfig{Registry: reg, Planner: planner}, opts...)
			if err != nil {
				return err
			}

			o.StartSession(session)
			summary, err := o.ProcessGoal(ctx, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}
			sess, err := o.EndSession(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{"goal": summary, "session": sess}); err != nil {
					return err
				}
			} else {
				printGoal(cmd.OutOrStdout(), summary)
				printTokens(cmd.OutOrStdout(), a.tokens)
			}

			if summary.Failed > 0 || summary.Blocked > 0 {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "Session id (generated when empty)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func printGoal(w io.Writer, s orchestrator.ExecutionSummary) {
	color.New(color.Bold).Fprintf(w, "Goal: %s\n", s.Goal)
	fmt.Fprintf(w, "Session: %s\n\n", s.SessionID)

	for _, t := range s.Tasks {
		st := statusColors[t.Status]
		if st == nil {
			st = color.New(color.Reset)
		}
		st.Fprintf(w, "  %-11s", t.Status)
		fmt.Fprintf(w, " %-7s %-10s %s\n", t.StepID, t.Assignee, t.Title)

		switch t.Status {
		case models.TaskStatusCompleted:
			if t.Output != "" {
				fmt.Fprintf(w, "              %s\n", firstLine(t.Output))
			}
		case models.TaskStatusFailed:
			fmt.Fprintf(w, "              %s\n", t.Error)
		case models.TaskStatusBlocked:
			fmt.Fprintf(w, "              %s\n", t.Reason)
		}
	}

	fmt.Fprintf(w, "\ncompleted: %d  failed: %d  blocked: %d  not run: %d\n",
		s.Completed, s.Failed, s.Blocked, s.Stranded)
	fmt.Fprintf(w, "reflection: %s (confidence %.2f)\n", s.Reflection.Summary, s.Reflection.Confidence)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
