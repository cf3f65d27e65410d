package agent

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/pkg/models"
)

const developerSystemPrompt = "You are a software developer. Carry out the requested step and report what you did in a few sentences."

// Developer executes general work steps through the model.
type Developer struct {
	base
}

// NewDeveloper creates a developer agent.
func NewDeveloper(cfg Config) *Developer {
	d := &Developer{base: newBase(NameDeveloper, cfg)}
	d.base.act = d.Act
	return d
}

// Act implements Agent.
func (d *Developer) Act(ctx context.Context, step models.Step, _ map[string]any) (models.StepResult, error) {
	if step.Description == "" {
		return failure(step, "step has no description"), nil
	}
	out, err := d.ask(ctx, "development", step.Description, fmt.Sprintf("completed: %s", step.Description),
		llm.WithSystem(developerSystemPrompt))
	if err != nil {
		return models.StepResult{}, err
	}
	return success(step, out), nil
}
