package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/runtime"
)

// newAgentRuntime builds a runtime that dispatches tasks to the agent registry.
func (a *app) newAgentRuntime(ctx context.Context, signals *runtime.Signals) (*runtime.Runtime, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c, err := a.collaborators(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.registry(c)
	if err != nil {
		return nil, err
	}

	return runtime.New(runtime.Config{
		Store:           st,
		TenantID:        a.cfg.Store.Tenant,
		Registry:        reg,
		Workers:         a.cfg.Runtime.Workers,
		DispatchTimeout: a.cfg.Runtime.DispatchTimeout,
		Signals:         signals,
		Logger:          a.logger,
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// printReport writes the per-pass pass/fail counts.
func printReport(w io.Writer, rep runtime.Report) {
	fmt.Fprintf(w, "processed: %d  ", rep.Processed)
	color.New(color.FgGreen).Fprintf(w, "completed: %d  ", rep.Completed)
	if rep.Failures > 0 {
		color.New(color.FgRed).Fprintf(w, "failed: %d", rep.Failures)
	} else {
		fmt.Fprintf(w, "failed: %d", rep.Failures)
	}
	if rep.Skipped > 0 {
		fmt.Fprintf(w, "  skipped: %d", rep.Skipped)
	}
	fmt.Fprintln(w)

	switch {
	case rep.TimedOut:
		color.New(color.FgYellow).Fprintln(w, "stopped early: time budget spent")
	case rep.FailureLimit:
		color.New(color.FgYellow).Fprintln(w, "stopped early: failure budget spent")
	case rep.Stopped:
		fmt.Fprintln(w, "stopped")
	}
}

// printTokens writes the model usage of the command. Offline runs print nothing.
func printTokens(w io.Writer, t *llm.TokenTracker) {
	if t == nil {
		return
	}
	in, out := t.Total()
	fmt.Fprintf(w, "tokens: %d in  %d out  (%d calls)\n", in, out, t.Calls())
}
