package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/colony/pkg/models"
)

// Safety wraps a Reviewer as an executable agent.
type Safety struct {
	base
	Reviewer
}

var _ Reviewer = (*Safety)(nil)

// NewSafety creates a safety agent.
func NewSafety(cfg Config, reviewer Reviewer) *Safety {
	s := &Safety{base: newBase(NameSafety, cfg), Reviewer: reviewer}
	s.base.act = s.Act
	return s
}

// Act implements Agent by reporting the risk assessment of the step.
func (s *Safety) Act(_ context.Context, step models.Step, input map[string]any) (models.StepResult, error) {
	a := s.AssessRisk(step.Description, input)
	out := fmt.Sprintf("risk level %s", a.Level)
	if a.RequiresApproval {
		out += " (requires approval)"
	}
	if len(a.Reasons) > 0 {
		out += ": " + strings.Join(a.Reasons, "; ")
	}
	return success(step, out), nil
}
