package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/pkg/models"
)

// Config holds the collaborators shared by the built-in agents. Every field
// is optional.
type Config struct {
	LLM    llm.Caller
	Logger log.Logger
}

func (c *Config) defaults(name string) {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "agent." + name})
}

// base implements the capabilities every built-in agent shares. Agents embed
// it and override Act.
type base struct {
	name   string
	llm    llm.Caller
	logger log.Logger
	act    func(ctx context.Context, step models.Step, input map[string]any) (models.StepResult, error)
}

func newBase(name string, cfg Config) base {
	cfg.defaults(name)
	return base{name: name, llm: cfg.LLM, logger: cfg.Logger}
}

// Name implements Agent.
func (b *base) Name() string { return b.name }

// Plan implements Agent with a single step assigned to the agent itself.
func (b *base) Plan(_ context.Context, goal string, _ map[string]any) (models.Plan, error) {
	p := models.Plan{
		Goal:  goal,
		Steps: []models.Step{{ID: "step-1", Description: goal, Assignee: b.name, Risk: models.RiskLow}},
	}
	p.Finalize()
	return p, nil
}

// Reflect implements Agent. Confidence is the success ratio of the history.
func (b *base) Reflect(_ context.Context, history []models.StepResult) (models.Reflection, error) {
	return reflect(history), nil
}

// HandleTask implements Agent by running the task's step view through act.
func (b *base) HandleTask(ctx context.Context, task models.Task, rc RuntimeContext) (models.TaskResult, error) {
	b.logger.Debugf("handling task %s on worker %s", task.ID, rc.WorkerID)
	res, err := b.act(ctx, StepFromTask(task), task.Payload)
	if err != nil {
		return models.TaskResult{}, err
	}
	return stepToTaskResult(res), nil
}

// ask calls the model when one is configured and returns fallback otherwise.
func (b *base) ask(ctx context.Context, taskType, prompt, fallback string, opts ...llm.CallOption) (string, error) {
	if b.llm == nil {
		return fallback, nil
	}
	out, err := b.llm.Call(ctx, taskType, prompt, b.name, opts...)
	if err != nil {
		return "", fmt.Errorf("could not call model: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func reflect(history []models.StepResult) models.Reflection {
	if len(history) == 0 {
		return models.Reflection{Summary: "nothing was executed", Confidence: 0}
	}

	var ok int
	var lessons []string
	for _, r := range history {
		if r.Succeeded() {
			ok++
			continue
		}
		if r.Error != "" {
			lessons = append(lessons, fmt.Sprintf("step %s failed: %s", r.StepID, r.Error))
		}
	}
	return models.Reflection{
		Summary:    fmt.Sprintf("%d of %d steps succeeded", ok, len(history)),
		Lessons:    lessons,
		Confidence: float64(ok) / float64(len(history)),
	}
}

func stepToTaskResult(r models.StepResult) models.TaskResult {
	out := models.TaskResult{Status: r.Status, Error: r.Error, Summary: r.Output}
	if r.Output != "" {
		out.Output = map[string]any{"output": r.Output}
	}
	return out
}

func success(step models.Step, output string) models.StepResult {
	return models.StepResult{StepID: step.ID, Status: models.ResultSuccess, Output: output}
}

func failure(step models.Step, msg string) models.StepResult {
	return models.StepResult{StepID: step.ID, Status: models.ResultFailure, Error: msg}
}
