package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/pkg/models"
)

const researchSystemPrompt = "You are a research assistant. Answer the question using the notes provided. Say so when the notes are insufficient."

// researchNotes caps how many memories are handed to the model.
const researchNotes = 5

// Research answers questions from stored memories.
type Research struct {
	base
	memory memory.Collaborator
}

// NewResearch creates a research agent. mem may be nil.
func NewResearch(cfg Config, mem memory.Collaborator) *Research {
	r := &Research{base: newBase(NameResearch, cfg), memory: mem}
	r.base.act = r.Act
	return r
}

// Act implements Agent.
func (r *Research) Act(ctx context.Context, step models.Step, _ map[string]any) (models.StepResult, error) {
	var notes []string
	if r.memory != nil {
		recs, err := r.memory.SemanticSearch(ctx, step.Description, researchNotes, memory.Filters{})
		if err != nil {
			return models.StepResult{}, fmt.Errorf("could not search memory: %w", err)
		}
		for _, rec := range recs {
			notes = append(notes, rec.Content)
		}
	}

	fallback := fmt.Sprintf("found %d related notes for: %s", len(notes), step.Description)
	if len(notes) > 0 {
		fallback += "\n- " + strings.Join(notes, "\n- ")
	}

	prompt := fmt.Sprintf("Question: %s\n\nNotes:\n%s", step.Description, strings.Join(notes, "\n---\n"))
	out, err := r.ask(ctx, "research", prompt, fallback, llm.WithSystem(researchSystemPrompt))
	if err != nil {
		return models.StepResult{}, err
	}
	return success(step, out), nil
}
