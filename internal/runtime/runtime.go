// Package runtime is the distributed worker: it fetches pending tasks from a
// shared store, claims them one row at a time, dispatches them to agents and
// writes the outcome back.
//
// Several worker processes may share one store. Claims are the only
// coordination between them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/dispatch"
	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrBudgetExceeded indicates a pass stopped early on its time or failure budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Processor executes one claimed task.
type Processor interface {
	Process(ctx context.Context, task models.Task, rc agent.RuntimeContext) (models.TaskResult, error)
}

// RegistryProcessor dispatches tasks to the agent named by their assignee.
type RegistryProcessor struct {
	Registry *agent.Registry
}

// Process implements Processor.
func (p RegistryProcessor) Process(ctx context.Context, task models.Task, rc agent.RuntimeContext) (models.TaskResult, error) {
	a, err := p.Registry.Get(task.Assignee)
	if err != nil {
		return models.TaskResult{}, err
	}
	return a.HandleTask(ctx, task, rc)
}

// Config configures a Runtime.
type Config struct {
	Store    store.Store
	TenantID string
	// Processor runs claimed tasks. Defaults to a RegistryProcessor over Registry.
	Processor Processor
	Registry  *agent.Registry
	// WorkerID identifies this worker in logs. Defaults to host:pid.
	WorkerID string
	// Workers is the number of tasks processed concurrently. Defaults to 1.
	Workers int
	// DispatchTimeout bounds each task. Zero means no timeout.
	DispatchTimeout time.Duration
	// Signals is optional.
	Signals *Signals
	Clock   func() time.Time
	Logger  log.Logger
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if c.Processor == nil {
		if c.Registry == nil {
			return fmt.Errorf("registry or processor is required")
		}
		c.Processor = RegistryProcessor{Registry: c.Registry}
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "runtime.Runtime", "worker": c.WorkerID, "tenant": c.TenantID})
	return nil
}

// Runtime is one worker process.
type Runtime struct {
	store     store.Store
	tenantID  string
	processor Processor
	workerID  string
	workers   int
	pool      *dispatch.Pool
	signals   *Signals
	clock     func() time.Time
	logger    log.Logger

	running atomic.Bool
}

// New creates a Runtime.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Runtime{
		store:     cfg.Store,
		tenantID:  cfg.TenantID,
		processor: cfg.Processor,
		workerID:  cfg.WorkerID,
		workers:   cfg.Workers,
		pool:      dispatch.NewPool(dispatch.Config{Size: cfg.Workers, Timeout: cfg.DispatchTimeout, Logger: cfg.Logger}),
		signals:   cfg.Signals,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	r.running.Store(true)
	return r, nil
}

// Stop makes the runtime stop at the next iteration boundary. In-flight
// tasks run to completion.
func (r *Runtime) Stop() {
	r.running.Store(false)
}

// Running reports whether Stop has not been called.
func (r *Runtime) Running() bool {
	return r.running.Load()
}

// FetchPendingTasks returns up to limit claimable tasks, most urgent first.
func (r *Runtime) FetchPendingTasks(ctx context.Context, limit int, taskType string) ([]*models.Task, error) {
	tasks, err := r.store.FetchPending(ctx, store.PendingQuery{TenantID: r.tenantID, TaskType: taskType, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("could not fetch pending tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask tries to take ownership of t. A lost race returns false with no error.
func (r *Runtime) ClaimTask(ctx context.Context, t *models.Task) (bool, error) {
	err := r.store.Claim(ctx, t)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrClaimLost):
		r.logger.Debugf("task %s claimed by another worker", t.ID)
		return false, nil
	default:
		return false, fmt.Errorf("could not claim task %s: %w", t.ID, err)
	}
}

// ProcessTask runs a claimed task. Every failure, including an unknown
// assignee, a timeout or a panic, is returned as a failed result.
func (r *Runtime) ProcessTask(ctx context.Context, t *models.Task) models.TaskResult {
	rc := agent.RuntimeContext{TenantID: r.tenantID, WorkerID: r.workerID, Attempt: 1}
	task := *t.Clone()

	res, err := dispatch.Call(ctx, r.pool, func(ctx context.Context) (models.TaskResult, error) {
		return r.processor.Process(ctx, task, rc)
	})
	if err != nil {
		if !errors.Is(err, agent.ErrUnknownAgent) {
			err = &agent.DispatchError{Agent: t.Assignee, TaskID: t.ID, Err: err}
		}
		r.logger.Warningf("task %s failed: %v", t.ID, err)
		return models.TaskResult{Status: models.ResultFailure, Error: err.Error()}
	}
	if res.Status == "" {
		res.Status = models.ResultSuccess
	}
	return res
}

// CompleteTask writes the outcome of a claimed task back to the store.
func (r *Runtime) CompleteTask(ctx context.Context, t *models.Task, res models.TaskResult) error {
	if err := r.store.Complete(ctx, t, res); err != nil {
		return fmt.Errorf("could not complete task %s: %w", t.ID, err)
	}
	return nil
}

// RunOnceOptions bounds one pass.
type RunOnceOptions struct {
	// Limit is the maximum number of tasks fetched.
	Limit int
	// MaxDuration is the time budget. Zero means none.
	MaxDuration time.Duration
	// MaxFailures stops the pass once this many tasks failed. Zero means none.
	MaxFailures int
	// TaskType restricts the pass to one task type.
	TaskType string
}

// Report summarizes a pass.
type Report struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failures  int `json:"failures"`
	// Skipped counts claims lost to other workers or rejected by the store.
	Skipped      int  `json:"skipped"`
	TimedOut     bool `json:"timed_out"`
	FailureLimit bool `json:"failure_limit"`
	Stopped      bool `json:"stopped"`
}

// Err returns ErrBudgetExceeded when the pass stopped on a budget.
func (r Report) Err() error {
	switch {
	case r.TimedOut:
		return fmt.Errorf("%w: time budget spent after %d tasks", ErrBudgetExceeded, r.Processed)
	case r.FailureLimit:
		return fmt.Errorf("%w: %d failures", ErrBudgetExceeded, r.Failures)
	}
	return nil
}

func (r *Report) add(o Report) {
	r.Processed += o.Processed
	r.Completed += o.Completed
	r.Failures += o.Failures
	r.Skipped += o.Skipped
}

// RunOnce fetches pending tasks and runs each one it manages to claim,
// stopping early on the time or failure budget. No new task starts once a
// budget is spent.
func (r *Runtime) RunOnce(ctx context.Context, opts RunOnceOptions) (Report, error) {
	start := r.clock()
	tasks, err := r.FetchPendingTasks(ctx, opts.Limit, opts.TaskType)
	if err != nil {
		return Report{}, err
	}

	var (
		mu    sync.Mutex
		rep   Report
		wg    sync.WaitGroup
		slots = make(chan struct{}, r.workers)
	)

	// exhausted checks the budgets. It must be called with mu held.
	exhausted := func() bool {
		if opts.MaxFailures > 0 && rep.Failures >= opts.MaxFailures {
			rep.FailureLimit = true
			return true
		}
		if opts.MaxDuration > 0 && r.clock().Sub(start) >= opts.MaxDuration {
			rep.TimedOut = true
			return true
		}
		return false
	}

	for _, t := range tasks {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil || !r.running.Load() {
			mu.Lock()
			rep.Stopped = true
			mu.Unlock()
			break
		}

		mu.Lock()
		stop := exhausted()
		mu.Unlock()
		if stop {
			<-slots
			break
		}

		claimed, err := r.ClaimTask(ctx, t)
		if err != nil {
			r.logger.Errorf("%v", err)
		}
		if !claimed {
			mu.Lock()
			rep.Skipped++
			mu.Unlock()
			<-slots
			continue
		}

		wg.Add(1)
		go func(t *models.Task) {
			defer wg.Done()
			defer func() { <-slots }()

			res := r.ProcessTask(ctx, t)
			// The outcome is written even if ctx ended while the task ran.
			if err := r.CompleteTask(context.WithoutCancel(ctx), t, res); err != nil {
				r.logger.Errorf("%v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Processed++
			if res.Succeeded() {
				rep.Completed++
			} else {
				rep.Failures++
			}
		}(t)
	}
	wg.Wait()

	// The last tasks of the batch may have spent a budget.
	if !rep.FailureLimit && !rep.TimedOut && !rep.Stopped {
		exhausted()
	}

	r.logger.Infof("pass finished: processed %d, completed %d, failed %d, skipped %d",
		rep.Processed, rep.Completed, rep.Failures, rep.Skipped)
	return rep, nil
}

// RunTask claims and runs a single task by id.
func (r *Runtime) RunTask(ctx context.Context, id string) (Report, error) {
	t, err := r.store.Get(ctx, r.tenantID, id)
	if err != nil {
		return Report{}, err
	}
	if t.Status != models.TaskStatusPending {
		return Report{}, fmt.Errorf("%w: task %s is %s", store.ErrInvalidTransition, id, t.Status)
	}
	if !t.Runnable() {
		return Report{}, fmt.Errorf("task %s is waiting for approval", id)
	}

	claimed, err := r.ClaimTask(ctx, t)
	if err != nil {
		return Report{}, err
	}
	if !claimed {
		return Report{Skipped: 1}, nil
	}

	res := r.ProcessTask(ctx, t)
	if err := r.CompleteTask(context.WithoutCancel(ctx), t, res); err != nil {
		return Report{}, err
	}
	rep := Report{Processed: 1}
	if res.Succeeded() {
		rep.Completed = 1
	} else {
		rep.Failures = 1
	}
	return rep, nil
}

// LoopOptions configures RunLoop.
type LoopOptions struct {
	// Sleep is the pause after a batch that didn't fill up.
	Sleep time.Duration
	// BatchSize is the fetch limit of each batch.
	BatchSize int
	TaskType  string
}

// RunLoop runs batches until Stop is called, ctx ends or a stop signal
// arrives. Per-batch errors are logged and the loop continues. It returns the
// totals over all batches.
func (r *Runtime) RunLoop(ctx context.Context, opts LoopOptions) (Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Sleep <= 0 {
		opts.Sleep = time.Second
	}

	var total Report
	for r.running.Load() && ctx.Err() == nil {
		if r.signals != nil && r.signals.ShouldStop() {
			r.logger.Infof("stop signal present, leaving loop")
			break
		}

		full := false
		if r.signals != nil && r.signals.Paused() {
			r.logger.Debugf("paused")
		} else {
			rep, err := r.RunOnce(ctx, RunOnceOptions{Limit: opts.BatchSize, TaskType: opts.TaskType})
			if err != nil {
				r.logger.Errorf("batch failed: %v", err)
			}
			total.add(rep)
			full = rep.Processed+rep.Skipped >= opts.BatchSize
		}
		if full {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(opts.Sleep):
		}
	}

	total.Stopped = true
	r.logger.Infof("loop stopped: processed %d, completed %d, failed %d",
		total.Processed, total.Completed, total.Failures)
	return total, nil
}
