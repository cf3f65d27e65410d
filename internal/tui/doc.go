// Package tui provides the live task dashboard behind `colony status --watch`.
//
// The dashboard polls a Source on a fixed interval and shows:
//   - Task counts per status for the tenant
//   - The most recent tasks with assignee, priority and status
//   - The time of the last refresh, with a spinner while a refresh runs
//
// It is read-only. Users refresh with 'r' and quit with 'q' or Ctrl+C.
//
// Usage:
//
//	p := tui.NewStatusProgram(ctx, source, 2*time.Second)
//	if _, err := p.Run(); err != nil {
//	    return err
//	}
package tui
