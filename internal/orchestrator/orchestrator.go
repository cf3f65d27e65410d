package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/dispatch"
	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/scheduler"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrNoSession is returned by EndSession when no session is active.
var ErrNoSession = errors.New("no active session")

// titleLen caps task titles derived from step descriptions.
const titleLen = 80

// Orchestrator converts goals into scheduled tasks and drains them.
// It is not safe for concurrent ProcessGoal calls.
type Orchestrator struct {
	registry *agent.Registry
	planner  agent.Agent
	memory   memory.Collaborator
	reviewer agent.Reviewer
	pool     *dispatch.Pool
	clock    func() time.Time
	newID    func() string
	logger   log.Logger

	mu      sync.Mutex
	session *session
}

// New creates an Orchestrator.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if req.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.Noop
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.New().String()[:8] }
	}
	logger := o.logger.WithValues(log.Kv{"svc": "orchestrator.Orchestrator"})

	return &Orchestrator{
		registry: req.Registry,
		planner:  req.Planner,
		memory:   o.memory,
		reviewer: o.reviewer,
		// In-process dispatch is sequential: one slot.
		pool:   dispatch.NewPool(dispatch.Config{Size: 1, Timeout: o.dispatchTimeout, Logger: logger}),
		clock:  o.clock,
		newID:  o.newID,
		logger: logger,
	}, nil
}

// StartSession begins a session and returns its id. An empty id is
// generated. Any in-flight session state is discarded.
func (o *Orchestrator) StartSession(id string) string {
	if id == "" {
		id = o.newID()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		o.logger.Warningf("discarding session %s", o.session.id)
	}
	o.session = &session{
		id:        id,
		startedAt: o.clock(),
		status:    SessionActive,
		sched:     scheduler.New(scheduler.Config{Logger: o.logger, Clock: o.clock, NewID: o.newID}),
	}
	o.logger.Infof("started session %s", id)
	return id
}

// SessionID returns the active session id, or "".
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return ""
	}
	return o.session.id
}

// Scheduler returns the scheduler of the active session, or nil.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	return o.session.sched
}

func (o *Orchestrator) current() *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// ProcessGoal plans the goal, materializes and gates its tasks, then
// dispatches ready tasks until none is left. A session is started when none
// is active.
func (o *Orchestrator) ProcessGoal(ctx context.Context, goal string, input map[string]any) (ExecutionSummary, error) {
	sess := o.current()
	if sess == nil {
		o.StartSession("")
		sess = o.current()
	}
	start := o.clock()
	logger := o.logger.WithValues(log.Kv{"session": sess.id})

	plan, err := o.planner.Plan(ctx, goal, input)
	if err != nil {
		return ExecutionSummary{}, fmt.Errorf("could not plan goal: %w", err)
	}
	plan.Finalize()
	sess.goals++
	o.remember(ctx, agent.NamePlanner, memory.TypePlanning, planRecord(plan), []string{"plan"}, sess.id)

	taskIDs, err := o.materialize(sess, plan)
	if err != nil {
		return ExecutionSummary{}, err
	}
	o.gate(sess, plan, taskIDs)

	var history []models.StepResult
	for ctx.Err() == nil {
		task, ok := sess.sched.GetNextTask()
		if !ok {
			break
		}
		history = append(history, o.dispatch(ctx, sess, task))
	}
	if ctx.Err() != nil {
		logger.Warningf("goal interrupted: %v", ctx.Err())
	}

	summary := ExecutionSummary{SessionID: sess.id, Goal: plan.Goal, Plan: plan}
	for i, id := range taskIDs {
		t, _ := sess.sched.GetTask(id)
		out := TaskOutcome{
			TaskID:   t.ID,
			StepID:   plan.Steps[i].ID,
			Title:    t.Title,
			Assignee: t.Assignee,
			Priority: t.Priority,
			Status:   t.Status,
			Error:    t.Error,
			Reason:   t.BlockedReason,
		}
		if s, ok := t.Result["output"].(string); ok {
			out.Output = s
		}
		switch t.Status {
		case models.TaskStatusCompleted:
			summary.Completed++
		case models.TaskStatusFailed:
			summary.Failed++
		case models.TaskStatusBlocked:
			summary.Blocked++
		case models.TaskStatusQueued:
			summary.Stranded++
		}
		summary.Tasks = append(summary.Tasks, out)
	}

	if summary.Reflection, err = o.planner.Reflect(ctx, history); err != nil {
		logger.Warningf("could not reflect on goal: %v", err)
	}
	summary.Duration = o.clock().Sub(start)

	o.remember(ctx, agent.NamePlanner, memory.TypeResult,
		fmt.Sprintf("goal: %s\ncompleted: %d\nfailed: %d\nblocked: %d", plan.Goal, summary.Completed, summary.Failed, summary.Blocked),
		[]string{"result"}, sess.id)

	logger.Infof("goal finished: %d completed, %d failed, %d blocked, %d stranded",
		summary.Completed, summary.Failed, summary.Blocked, summary.Stranded)
	return summary, nil
}

// materialize creates and queues one task per step and returns the task ids
// in step order.
func (o *Orchestrator) materialize(sess *session, plan models.Plan) ([]string, error) {
	// Step ids are unique once the plan is finalized.
	stepTask := make(map[string]string, len(plan.Steps))
	for _, step := range plan.Steps {
		stepTask[step.ID] = o.newID()
	}

	ids := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		deps := make([]string, 0, len(step.DependsOn))
		for _, d := range step.DependsOn {
			if id, ok := stepTask[d]; ok {
				deps = append(deps, id)
			} else {
				// Unknown step ids stay as is and keep the task waiting.
				deps = append(deps, d)
			}
		}

		task, err := sess.sched.CreateTask(models.Task{
			ID:             stepTask[step.ID],
			Title:          title(step.Description),
			Description:    step.Description,
			Assignee:       step.Assignee,
			Priority:       step.Risk.Priority(),
			DependsOn:      deps,
			Payload:        step.Context,
			Metadata:       map[string]string{"step_id": step.ID, "session_id": sess.id},
			RequiresReview: step.Risk == models.RiskHigh,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create task for step %s: %w", step.ID, err)
		}
		sess.sched.QueueTask(task.ID)
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// gate runs the safety review of every task that requires it.
func (o *Orchestrator) gate(sess *session, plan models.Plan, taskIDs []string) {
	for i, id := range taskIDs {
		t, _ := sess.sched.GetTask(id)
		if !t.RequiresReview {
			continue
		}

		if o.reviewer == nil {
			sess.sched.BlockTask(id, "no safety reviewer configured")
			continue
		}
		review := o.reviewer.ReviewPlan(models.Plan{
			Goal:           plan.Goal,
			Steps:          []models.Step{plan.Steps[i]},
			HighRisk:       true,
			RequiresReview: true,
		})
		if review.Approved {
			sess.sched.ApproveTask(id)
			o.logger.Infof("approved task %s", id)
		} else {
			sess.sched.BlockTask(id, review.Reason())
			o.logger.Warningf("blocked task %s: %s", id, review.Reason())
		}
	}
}

// dispatch runs one ready task on its assignee. Every failure, including a
// panic or a timeout, fails the task and never propagates.
func (o *Orchestrator) dispatch(ctx context.Context, sess *session, task *models.Task) models.StepResult {
	step := agent.StepFromTask(*task)

	a, err := o.registry.Get(task.Assignee)
	if err != nil {
		sess.sched.FailTask(task.ID, err.Error())
		return models.StepResult{StepID: step.ID, Status: models.ResultFailure, Error: err.Error()}
	}
	if !sess.sched.StartTask(task.ID) {
		msg := "task could not be started"
		sess.sched.FailTask(task.ID, msg)
		return models.StepResult{StepID: step.ID, Status: models.ResultFailure, Error: msg}
	}

	input := make(map[string]any, len(step.Context)+2)
	for k, v := range step.Context {
		input[k] = v
	}
	input["session_id"] = sess.id
	input["approved"] = task.Approved

	res, err := dispatch.Call(ctx, o.pool, func(ctx context.Context) (models.StepResult, error) {
		return a.Act(ctx, step, input)
	})
	if err != nil {
		err = &agent.DispatchError{Agent: task.Assignee, TaskID: task.ID, Err: err}
		res = models.StepResult{StepID: step.ID, Status: models.ResultFailure, Error: err.Error()}
	}

	if res.Succeeded() {
		sess.sched.CompleteTask(task.ID, map[string]any{"output": res.Output})
		o.remember(ctx, task.Assignee, memory.TypeExecution,
			fmt.Sprintf("%s\n%s", step.Description, res.Output), []string{task.Assignee}, sess.id)
		return res
	}

	msg := res.Error
	if msg == "" {
		msg = fmt.Sprintf("step finished with status %s", res.Status)
	}
	sess.sched.FailTask(task.ID, msg)
	o.logger.Warningf("task %s failed: %s", task.ID, msg)
	res.Status = models.ResultFailure
	res.Error = msg
	return res
}

// EndSession closes the active session and returns its statistics.
func (o *Orchestrator) EndSession(ctx context.Context) (SessionSummary, error) {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.mu.Unlock()
	if sess == nil {
		return SessionSummary{}, ErrNoSession
	}

	sess.status = SessionEnded
	end := o.clock()
	summary := SessionSummary{
		ID:        sess.id,
		StartedAt: sess.startedAt,
		EndedAt:   end,
		Duration:  end.Sub(sess.startedAt),
		Goals:     sess.goals,
		Scheduler: sess.sched.Stats(),
	}
	if o.memory != nil {
		stats, err := o.memory.Stats(ctx)
		if err != nil {
			o.logger.Warningf("could not read memory stats: %v", err)
		} else {
			summary.Memory = &stats
		}
	}
	o.logger.Infof("ended session %s after %s", sess.id, summary.Duration)
	return summary, nil
}

// remember writes a memory record. Failures are logged only.
func (o *Orchestrator) remember(ctx context.Context, agentName, typ, content string, tags []string, sessionID string) {
	if o.memory == nil {
		return
	}
	if _, err := o.memory.SaveMemory(ctx, agentName, typ, content, tags, sessionID); err != nil {
		o.logger.Warningf("could not save %s memory: %v", typ, err)
	}
}

func planRecord(plan models.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s\n", plan.Goal)
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "- [%s] %s (%s, risk %s)\n", s.ID, s.Description, s.Assignee, s.Risk)
	}
	return b.String()
}

func title(desc string) string {
	desc = strings.TrimSpace(desc)
	r := []rune(desc)
	if len(r) <= titleLen {
		return desc
	}
	return string(r[:titleLen-3]) + "..."
}
