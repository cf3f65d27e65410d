package main

import (
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/runtime"
)

func newRunOnceCommand(a *app) *cobra.Command {
	var (
		limit       int
		maxSeconds  int
		maxFailures int
		taskType    string
	)

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Process pending tasks once",
		Long: `Fetch up to --limit pending tasks, claim each one and run it on its agent.

The pass stops early once --max-seconds have elapsed or --max-failures tasks
have failed. Tasks claimed by another worker are skipped.

Exits 1 when the failure budget was reached, 0 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("limit") {
				limit = a.cfg.Runtime.Limit
			}
			if !cmd.Flags().Changed("max-seconds") {
				maxSeconds = a.cfg.Runtime.MaxSeconds
			}
			if !cmd.Flags().Changed("max-failures") {
				maxFailures = a.cfg.Runtime.MaxFailures
			}

			rt, err := a.newAgentRuntime(cmd.Context(), nil)
			if err != nil {
				return err
			}
			rep, err := rt.RunOnce(cmd.Context(), runtime.RunOnceOptions{
				Limit:       limit,
				MaxDuration: seconds(maxSeconds),
				MaxFailures: maxFailures,
				TaskType:    taskType,
			})
			if err != nil {
				return err
			}

			printReport(cmd.OutOrStdout(), rep)
			printTokens(cmd.OutOrStdout(), a.tokens)
			if rep.FailureLimit {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of tasks to fetch")
	cmd.Flags().IntVar(&maxSeconds, "max-seconds", 0, "Time budget in seconds (0 for none)")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 0, "Stop after this many failures (0 for none)")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Only run tasks of this type")
	return cmd
}
