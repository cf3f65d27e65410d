// Package orchestrator drives a goal end to end inside one process.
//
// A goal goes through these stages:
//   - Planning: the planner agent turns the goal into a plan of steps
//   - Materialization: every step becomes a scheduler task, keeping the step
//     id in the task metadata and mapping step risk to priority
//   - Safety gate: tasks that require review are approved or blocked by the
//     safety collaborator
//   - Draining: ready tasks are dispatched one at a time to the agent named
//     by their assignee until the scheduler yields none
//
// Example usage:
//
//	o, err := orchestrator.New(orchestrator.RequiredConfig{Registry: reg, Planner: planner},
//		orchestrator.WithMemory(mem), orchestrator.WithReviewer(classifier))
//	o.StartSession("")
//	summary, err := o.ProcessGoal(ctx, "add rate limiting then deploy it", nil)
//	session, err := o.EndSession(ctx)
package orchestrator
