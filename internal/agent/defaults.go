package agent

import (
	"fmt"

	"github.com/ShayCichocki/colony/internal/memory"
)

// Builtins are the collaborators for the built-in agent set.
type Builtins struct {
	Config
	Memory   memory.Collaborator
	Reviewer Reviewer
	Router   *Router
}

// NewBuiltinRegistry registers the planner, developer, research, memory and
// safety agents. The memory agent is skipped without a memory store.
func NewBuiltinRegistry(b Builtins) (*Registry, error) {
	if b.Reviewer == nil {
		return nil, fmt.Errorf("reviewer is required")
	}

	agents := []Agent{
		NewPlanner(b.Config, b.Router, b.Reviewer),
		NewDeveloper(b.Config),
		NewResearch(b.Config, b.Memory),
		NewSafety(b.Config, b.Reviewer),
	}
	if b.Memory != nil {
		agents = append(agents, NewMemory(b.Config, b.Memory))
	}
	return NewRegistry(agents...)
}
