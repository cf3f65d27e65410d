// Package agent defines the capability contract every executable agent
// implements, the registry the orchestrator and runtime dispatch through, and
// the built-in agents.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/colony/pkg/models"
)

// Agent names of the built-in agents.
const (
	NamePlanner   = "planner"
	NameDeveloper = "developer"
	NameResearch  = "research"
	NameSafety    = "safety"
	NameMemory    = "memory"
)

var (
	// ErrUnknownAgent indicates no agent is registered under the requested name.
	ErrUnknownAgent = errors.New("no such agent")
	// ErrAgentAlreadyExists indicates an agent with that name is already registered.
	ErrAgentAlreadyExists = errors.New("agent already exists")
)

// DispatchError is a failure raised while an agent executed a task.
type DispatchError struct {
	Agent  string
	TaskID string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("agent %s failed on task %s: %v", e.Agent, e.TaskID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// RuntimeContext describes the worker a task is handled on.
type RuntimeContext struct {
	TenantID string
	WorkerID string
	// Attempt is 1 for a first run.
	Attempt int
}

// Agent is the uniform capability set of all executable agents.
type Agent interface {
	Name() string
	Plan(ctx context.Context, goal string, input map[string]any) (models.Plan, error)
	Act(ctx context.Context, step models.Step, input map[string]any) (models.StepResult, error)
	Reflect(ctx context.Context, history []models.StepResult) (models.Reflection, error)
	// HandleTask is the entry point of the distributed runtime.
	HandleTask(ctx context.Context, task models.Task, rc RuntimeContext) (models.TaskResult, error)
}

// Reviewer is the safety capability set.
type Reviewer interface {
	AssessRisk(action string, input map[string]any) models.RiskAssessment
	ReviewPlan(plan models.Plan) models.PlanReview
	CheckClaim(claim string, sources []string) models.ClaimCheck
}

// Registry maps agent names to instances. It is built once and passed to
// the components that dispatch work.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry holding the given agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent to the registry.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyExists, name)
	}
	r.agents[name] = a
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return a, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StepFromTask builds the step view of a task handed to Act.
func StepFromTask(t models.Task) models.Step {
	id := t.Metadata["step_id"]
	if id == "" {
		id = t.ID
	}
	desc := t.Description
	if desc == "" {
		desc = t.Title
	}
	risk := models.RiskMedium
	if t.RequiresReview {
		risk = models.RiskHigh
	}

	input := make(map[string]any, len(t.Payload)+2)
	for k, v := range t.Payload {
		input[k] = v
	}
	input["task_id"] = t.ID
	if t.Type != "" {
		input["task_type"] = t.Type
	}

	return models.Step{
		ID:          id,
		Description: desc,
		Assignee:    t.Assignee,
		Risk:        risk,
		Context:     input,
	}
}
