package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/pkg/models"
)

var recallVerbs = regexp.MustCompile(`(?i)^\s*(recall|what do (we|you) (know|remember) about|look up)\b`)

// rememberPrefix strips the leading verb of a "remember ..." step.
var rememberPrefix = regexp.MustCompile(`(?i)^\s*(remember|memorize|note)( that)?\s*`)

// Memory stores and recalls knowledge.
type Memory struct {
	base
	memory memory.Collaborator
}

// NewMemory creates a memory agent.
func NewMemory(cfg Config, mem memory.Collaborator) *Memory {
	m := &Memory{base: newBase(NameMemory, cfg), memory: mem}
	m.base.act = m.Act
	return m
}

// Act implements Agent. Steps phrased as a recall search memory, anything
// else is stored.
func (m *Memory) Act(ctx context.Context, step models.Step, input map[string]any) (models.StepResult, error) {
	if m.memory == nil {
		return failure(step, "memory store is not configured"), nil
	}

	if recallVerbs.MatchString(step.Description) {
		query := strings.TrimSpace(recallVerbs.ReplaceAllString(step.Description, ""))
		recs, err := m.memory.SemanticSearch(ctx, query, researchNotes, memory.Filters{})
		if err != nil {
			return models.StepResult{}, fmt.Errorf("could not search memory: %w", err)
		}
		if len(recs) == 0 {
			return success(step, "nothing remembered about "+query), nil
		}
		lines := make([]string, 0, len(recs))
		for _, r := range recs {
			lines = append(lines, r.Content)
		}
		return success(step, strings.Join(lines, "\n")), nil
	}

	content := strings.TrimSpace(rememberPrefix.ReplaceAllString(step.Description, ""))
	if c, ok := input["content"].(string); ok && c != "" {
		content = c
	}
	sessionID, _ := input["session_id"].(string)
	id, err := m.memory.SaveMemory(ctx, m.name, memory.TypeExecution, content, []string{"note"}, sessionID)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("could not save memory: %w", err)
	}
	return success(step, "stored memory "+id), nil
}
