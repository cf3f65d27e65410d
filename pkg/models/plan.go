package models

import (
	"fmt"
	"strings"
)

// RiskLevel classifies how dangerous a step or action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid returns true if the risk level is a known value.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// Priority maps a step risk level to a task priority.
// Risk never lowers the default scheduling priority, so LOW maps to MEDIUM.
func (r RiskLevel) Priority() Priority {
	if r == RiskHigh {
		return PriorityHigh
	}
	return PriorityMedium
}

// Step is a single proposed action inside a Plan.
type Step struct {
	// ID identifies the step within its plan.
	ID string `json:"id"`
	// Description is the action text.
	Description string `json:"description"`
	// Assignee is the agent expected to perform the step.
	Assignee string `json:"assignee"`
	// Risk is the step risk level.
	Risk RiskLevel `json:"risk"`
	// DependsOn lists step IDs that must complete first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Context is auxiliary input forwarded to the agent.
	Context map[string]any `json:"context,omitempty"`
}

// Plan is the ephemeral output of an agent's planning capability.
type Plan struct {
	// Goal is the text the plan was produced for.
	Goal string `json:"goal"`
	// Steps are ordered proposed actions.
	Steps []Step `json:"steps"`
	// HighRisk is true when any step is high risk.
	HighRisk bool `json:"high_risk"`
	// RequiresReview mirrors HighRisk and flags the plan for the safety gate.
	RequiresReview bool `json:"requires_review"`
}

// Finalize gives every step a unique id and recomputes the plan level risk
// flags. A step with an empty or repeated id is renamed step-N, N being its
// position; dependencies on a repeated id keep pointing at its first step.
func (p *Plan) Finalize() {
	taken := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID != "" {
			taken[s.ID] = struct{}{}
		}
	}

	steps := make([]Step, len(p.Steps))
	used := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := used[s.ID]; s.ID == "" || dup {
			for n := i + 1; ; n++ {
				id := fmt.Sprintf("step-%d", n)
				_, t := taken[id]
				_, u := used[id]
				if !t && !u {
					s.ID = id
					break
				}
			}
		}
		used[s.ID] = struct{}{}
		steps[i] = s
	}
	p.Steps = steps

	p.HighRisk = false
	for _, s := range p.Steps {
		if s.Risk == RiskHigh {
			p.HighRisk = true
			break
		}
	}
	p.RequiresReview = p.HighRisk
}

// ResultStatus is the outcome of a step or task execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultSkipped ResultStatus = "skipped"
)

// StepResult is the outcome of Agent.Act.
type StepResult struct {
	StepID string       `json:"step_id"`
	Status ResultStatus `json:"status"`
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Succeeded reports whether the result is a success.
func (r StepResult) Succeeded() bool { return r.Status == ResultSuccess }

// Reflection summarizes a run of step results.
type Reflection struct {
	Summary    string   `json:"summary"`
	Lessons    []string `json:"lessons,omitempty"`
	Confidence float64  `json:"confidence"`
}

// TaskResult is the outcome of Agent.HandleTask in the distributed runtime.
type TaskResult struct {
	Status  ResultStatus   `json:"status"`
	Summary string         `json:"summary,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Succeeded reports whether the result is a success.
func (r TaskResult) Succeeded() bool { return r.Status == ResultSuccess }

// RiskAssessment is the safety verdict for a single action.
type RiskAssessment struct {
	Level            RiskLevel `json:"risk_level"`
	RequiresApproval bool      `json:"requires_approval"`
	Reasons          []string  `json:"reasons,omitempty"`
}

// PlanReview is the safety verdict for a whole plan.
type PlanReview struct {
	Approved bool     `json:"approved"`
	Issues   []string `json:"issues,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Reason joins the review issues into a single blocking reason.
func (r PlanReview) Reason() string {
	if len(r.Issues) == 0 {
		return "rejected by safety review"
	}
	return strings.Join(r.Issues, "; ")
}

// ClaimCheck is the verdict of a claim verification against sources.
type ClaimCheck struct {
	Supported bool     `json:"supported"`
	Sources   []int    `json:"sources,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}
