package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/pkg/models"
)

const planSystemPrompt = `You split goals into small sequential steps.
Reply with a JSON array only. Each element is an object with the fields
"description" (string), "assignee" (one of: developer, research, safety, memory)
and "risk" (one of: low, medium, high).`

// stepSplit separates a goal into clauses: sentences, semicolons, newlines
// and "then".
var stepSplit = regexp.MustCompile(`(?i)[.;\n]+\s*|\s*,?\s+then\s+`)

// Planner turns goals into plans. Steps run sequentially: each depends on the
// one before it.
type Planner struct {
	base
	router   *Router
	reviewer Reviewer
}

// NewPlanner creates a planner. reviewer assigns step risk levels and may be nil,
// in which case every step is low risk.
func NewPlanner(cfg Config, router *Router, reviewer Reviewer) *Planner {
	if router == nil {
		router = NewRouter()
	}
	p := &Planner{base: newBase(NamePlanner, cfg), router: router, reviewer: reviewer}
	p.base.act = p.Act
	return p
}

// Plan implements Agent.
func (p *Planner) Plan(ctx context.Context, goal string, input map[string]any) (models.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return models.Plan{}, fmt.Errorf("goal is empty")
	}

	steps, err := p.modelSteps(ctx, goal)
	if err != nil {
		p.logger.Warningf("model planning failed, splitting goal heuristically: %v", err)
	}
	if len(steps) == 0 {
		steps = p.splitSteps(goal)
	}

	for i := range steps {
		steps[i].ID = fmt.Sprintf("step-%d", i+1)
		if i > 0 {
			steps[i].DependsOn = []string{steps[i-1].ID}
		}
		if steps[i].Assignee == "" {
			steps[i].Assignee = p.router.Route(steps[i].Description)
		}
		if p.reviewer != nil {
			steps[i].Risk = maxRisk(steps[i].Risk, p.reviewer.AssessRisk(steps[i].Description, input).Level)
		}
		if !steps[i].Risk.Valid() {
			steps[i].Risk = models.RiskLow
		}
		if len(input) > 0 {
			steps[i].Context = input
		}
	}

	plan := models.Plan{Goal: goal, Steps: steps}
	plan.Finalize()
	p.logger.Infof("planned %d steps for goal (high risk: %t)", len(steps), plan.HighRisk)
	return plan, nil
}

func (p *Planner) splitSteps(goal string) []models.Step {
	var steps []models.Step
	for _, part := range stepSplit.Split(goal, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		steps = append(steps, models.Step{Description: part})
	}
	if len(steps) == 0 {
		steps = append(steps, models.Step{Description: goal})
	}
	return steps
}

type modelStep struct {
	Description string `json:"description"`
	Assignee    string `json:"assignee"`
	Risk        string `json:"risk"`
}

func (p *Planner) modelSteps(ctx context.Context, goal string) ([]models.Step, error) {
	if p.llm == nil {
		return nil, nil
	}
	out, err := p.ask(ctx, "planning", goal, "", llm.WithSystem(planSystemPrompt))
	if err != nil {
		return nil, err
	}
	return parseModelSteps(out)
}

func parseModelSteps(out string) ([]models.Step, error) {
	start, end := strings.Index(out, "["), strings.LastIndex(out, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in model reply")
	}

	var raw []modelStep
	if err := json.Unmarshal([]byte(out[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("could not decode plan: %w", err)
	}

	steps := make([]models.Step, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.Description) == "" {
			continue
		}
		steps = append(steps, models.Step{
			Description: strings.TrimSpace(r.Description),
			Assignee:    strings.ToLower(strings.TrimSpace(r.Assignee)),
			Risk:        models.RiskLevel(strings.ToLower(r.Risk)),
		})
	}
	return steps, nil
}

// Act implements Agent. A planning step records a nested plan as its output.
func (p *Planner) Act(ctx context.Context, step models.Step, input map[string]any) (models.StepResult, error) {
	plan, err := p.Plan(ctx, step.Description, input)
	if err != nil {
		return failure(step, err.Error()), nil
	}
	descs := make([]string, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		descs = append(descs, fmt.Sprintf("%s (%s, %s)", s.Description, s.Assignee, s.Risk))
	}
	return success(step, strings.Join(descs, "\n")), nil
}

func maxRisk(a, b models.RiskLevel) models.RiskLevel {
	rank := map[models.RiskLevel]int{models.RiskLow: 1, models.RiskMedium: 2, models.RiskHigh: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
