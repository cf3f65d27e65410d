package main

import (
	"context"
	"fmt"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/colony/internal/runtime"
)

func newRunLoopCommand(a *app) *cobra.Command {
	var (
		sleepSeconds int
		batchSize    int
		taskType     string
		signalsDir   string
	)

	cmd := &cobra.Command{
		Use:   "run-loop",
		Short: "Process pending tasks until stopped",
		Long: `Run batches of pending tasks forever.

The loop stops on SIGINT/SIGTERM, or when a "stop" file appears in the signals
directory (see "colony run-loop signal stop"). While a "pause" file exists no batch is
started. A batch that didn't fill up is followed by --sleep-seconds of sleep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("sleep-seconds") {
				sleepSeconds = a.cfg.Runtime.SleepSeconds
			}
			if !cmd.Flags().Changed("batch-size") {
				batchSize = a.cfg.Runtime.BatchSize
			}
			if signalsDir == "" {
				signalsDir = a.cfg.Runtime.SignalsDir
			}

			signals, err := runtime.NewSignals(signalsDir, a.logger)
			if err != nil {
				return err
			}
			a.onClose(signals.Close)
			// A stop file left by a previous run must not end this one.
			signals.Clear()

			rt, err := a.newAgentRuntime(cmd.Context(), signals)
			if err != nil {
				return err
			}

			var (
				g   run.Group
				rep runtime.Report
			)
			{
				ctx, cancel := context.WithCancel(cmd.Context())
				g.Add(
					func() error {
						var err error
						rep, err = rt.RunLoop(ctx, runtime.LoopOptions{
							Sleep:     seconds(sleepSeconds),
							BatchSize: batchSize,
							TaskType:  taskType,
						})
						return err
					},
					func(error) {
						rt.Stop()
						cancel()
					},
				)
			}
			{
				ctx, cancel := context.WithCancel(cmd.Context())
				g.Add(
					func() error {
						<-ctx.Done()
						a.logger.Infof("interrupted, finishing in-flight tasks")
						return nil
					},
					func(error) {
						cancel()
					},
				)
			}
			if err := g.Run(); err != nil {
				return err
			}

			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}

	cmd.Flags().IntVar(&sleepSeconds, "sleep-seconds", 1, "Pause after a batch that didn't fill up")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "Tasks fetched per batch")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Only run tasks of this type")
	cmd.PersistentFlags().StringVar(&signalsDir, "signals-dir", "", "Directory watched for stop and pause files")

	cmd.AddCommand(newSignalCommand(a, &signalsDir))
	return cmd
}

func newSignalCommand(a *app, signalsDir *string) *cobra.Command {
	return &cobra.Command{
		Use:       "signal <stop|pause|resume>",
		Short:     "Steer running loops through the signals directory",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"stop", "pause", "resume"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := *signalsDir
			if dir == "" {
				dir = a.cfg.Runtime.SignalsDir
			}
			signals, err := runtime.NewSignals(dir, a.logger)
			if err != nil {
				return err
			}
			defer signals.Close()

			switch args[0] {
			case "stop":
				err = signals.SendStop()
			case "pause":
				err = signals.SendPause()
			case "resume":
				err = signals.Resume()
			default:
				return fmt.Errorf("unknown signal %q", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", args[0], dir)
			return nil
		},
	}
}
