package orchestrator

import (
	"time"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/memory"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Registry resolves task assignees to agents.
	Registry *agent.Registry
	// Planner turns goals into plans.
	Planner agent.Agent
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	logger          log.Logger
	memory          memory.Collaborator
	reviewer        agent.Reviewer
	dispatchTimeout time.Duration
	clock           func() time.Time
	newID           func() string
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithMemory sets the memory collaborator that planning, execution and
// result records are written to.
func WithMemory(m memory.Collaborator) Option {
	return func(o *orchestratorOptions) { o.memory = m }
}

// WithReviewer sets the safety collaborator. Without one, every task that
// requires review is blocked.
func WithReviewer(r agent.Reviewer) Option {
	return func(o *orchestratorOptions) { o.reviewer = r }
}

// WithDispatchTimeout bounds every agent call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.dispatchTimeout = d }
}

// WithClock sets the time source (mainly for testing).
func WithClock(c func() time.Time) Option {
	return func(o *orchestratorOptions) { o.clock = c }
}

// WithIDGenerator sets the session and task id generator (mainly for testing).
func WithIDGenerator(f func() string) Option {
	return func(o *orchestratorOptions) { o.newID = f }
}
