// Package executor runs tasks by their task type rather than their assignee.
// It backs the run-pending-tasks and run-task commands.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/pkg/models"
)

// ErrUnknownTaskType indicates no handler is registered for a task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Built-in task types.
const (
	TypeSummarize      = "summarize"
	TypeRiskAssessment = "risk_assessment"
	TypeMemoryDigest   = "memory_digest"
	TypeClaimCheck     = "claim_check"
	TypeEcho           = "echo"
)

// Handler executes one task of a given type.
type Handler func(ctx context.Context, task models.Task) (models.TaskResult, error)

// Config configures an Executor. Handlers whose collaborator is missing are
// not registered.
type Config struct {
	LLM      llm.Caller
	Memory   memory.Collaborator
	Reviewer agent.Reviewer
	Logger   log.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "executor.Executor"})
}

// Executor dispatches tasks to handlers keyed by task type.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	llm      llm.Caller
	memory   memory.Collaborator
	reviewer agent.Reviewer
	logger   log.Logger
}

// New creates an executor with the built-in handlers.
func New(cfg Config) *Executor {
	cfg.defaults()
	e := &Executor{
		handlers: make(map[string]Handler),
		llm:      cfg.LLM,
		memory:   cfg.Memory,
		reviewer: cfg.Reviewer,
		logger:   cfg.Logger,
	}

	e.Register(TypeEcho, e.echo)
	e.Register(TypeSummarize, e.summarize)
	if e.reviewer != nil {
		e.Register(TypeRiskAssessment, e.riskAssessment)
		e.Register(TypeClaimCheck, e.claimCheck)
	}
	if e.memory != nil {
		e.Register(TypeMemoryDigest, e.memoryDigest)
	}
	return e
}

// Register adds or replaces the handler of a task type.
func (e *Executor) Register(taskType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
}

// TaskTypes returns the supported task types, sorted.
func (e *Executor) TaskTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Supports reports whether a handler exists for taskType.
func (e *Executor) Supports(taskType string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[taskType]
	return ok
}

// Process runs the handler of the task's type.
func (e *Executor) Process(ctx context.Context, task models.Task, rc agent.RuntimeContext) (models.TaskResult, error) {
	e.mu.RLock()
	h, ok := e.handlers[task.Type]
	e.mu.RUnlock()
	if !ok {
		return models.TaskResult{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}

	e.logger.Debugf("running %s task %s on %s", task.Type, task.ID, rc.WorkerID)
	return h(ctx, task)
}
