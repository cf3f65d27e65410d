package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/executor"
	"github.com/ShayCichocki/colony/internal/runtime"
)

// newExecutorRuntime builds a runtime that dispatches tasks by task type.
func (a *app) newExecutorRuntime(ctx context.Context) (*runtime.Runtime, *executor.Executor, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	c, err := a.collaborators(ctx)
	if err != nil {
		return nil, nil, err
	}
	exec := executor.New(executor.Config{LLM: c.llm, Memory: c.memory, Reviewer: c.reviewer, Logger: a.logger})

	rt, err := runtime.New(runtime.Config{
		Store:           st,
		TenantID:        a.cfg.Store.Tenant,
		Processor:       exec,
		Workers:         a.cfg.Runtime.Workers,
		DispatchTimeout: a.cfg.Runtime.DispatchTimeout,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return rt, exec, nil
}

// executorExit fails only when nothing completed and something failed.
func executorExit(rep runtime.Report) error {
	if rep.Completed == 0 && rep.Failures > 0 {
		return &exitError{code: exitFailure}
	}
	return nil
}

func newRunPendingTasksCommand(a *app) *cobra.Command {
	var (
		limit    int
		taskType string
	)

	cmd := &cobra.Command{
		Use:   "run-pending-tasks",
		Short: "Run pending tasks through the task-type executor",
		Long: `Fetch up to --limit pending tasks and run each one on the handler of its
task type (see "colony task-types"). Tasks of an unknown type fail.

Exits 1 only when no task completed and at least one failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, exec, err := a.newExecutorRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if taskType != "" && !exec.Supports(taskType) {
				return fmt.Errorf("%w: %q", executor.ErrUnknownTaskType, taskType)
			}
			rep, err := rt.RunOnce(cmd.Context(), runtime.RunOnceOptions{Limit: limit, TaskType: taskType})
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)
			return executorExit(rep)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of tasks to run")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Only run tasks of this type")
	return cmd
}

func newRunTaskCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run-task <task_id>",
		Short: "Run one pending task through the task-type executor",
		Long: `Claim the given pending task and run it on the handler of its task type.

Exits 1 when the task failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, err := a.newExecutorRuntime(cmd.Context())
			if err != nil {
				return err
			}
			rep, err := rt.RunTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rep.Skipped > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s was claimed by another worker\n", args[0])
				return nil
			}
			printReport(cmd.OutOrStdout(), rep)
			return executorExit(rep)
		},
	}
}

func newTaskTypesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "task-types",
		Short: "List the task types the executor supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.collaborators(cmd.Context())
			if err != nil {
				return err
			}
			exec := executor.New(executor.Config{LLM: c.llm, Memory: c.memory, Reviewer: c.reviewer, Logger: a.logger})
			for _, t := range exec.TaskTypes() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
}
