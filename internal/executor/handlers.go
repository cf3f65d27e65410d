package executor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/pkg/models"
)

// summaryChars caps the extractive summary used without a model.
const summaryChars = 200

// digestRecent is how many recent memories a digest lists.
const digestRecent = 5

func failed(format string, args ...any) models.TaskResult {
	return models.TaskResult{Status: models.ResultFailure, Error: fmt.Sprintf(format, args...)}
}

// payloadString returns the first non-empty string payload field among keys.
func payloadString(task models.Task, keys ...string) string {
	for _, k := range keys {
		if s, ok := task.Payload[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func payloadStrings(task models.Task, key string) []string {
	switch v := task.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func (e *Executor) echo(_ context.Context, task models.Task) (models.TaskResult, error) {
	out := make(map[string]any, len(task.Payload))
	for k, v := range task.Payload {
		out[k] = v
	}
	return models.TaskResult{Status: models.ResultSuccess, Summary: task.Title, Output: out}, nil
}

func (e *Executor) summarize(ctx context.Context, task models.Task) (models.TaskResult, error) {
	text := payloadString(task, "text", "content")
	if text == "" {
		text = task.Description
	}
	if strings.TrimSpace(text) == "" {
		return failed("nothing to summarize: payload has no text"), nil
	}

	summary := extract(text)
	if e.llm != nil {
		out, err := e.llm.Call(ctx, TypeSummarize, text, "executor",
			llm.WithSystem("Summarize the text in at most three sentences."), llm.WithMaxTokens(512))
		if err != nil {
			return models.TaskResult{}, fmt.Errorf("could not summarize: %w", err)
		}
		summary = strings.TrimSpace(out)
	}
	return models.TaskResult{
		Status:  models.ResultSuccess,
		Summary: summary,
		Output:  map[string]any{"summary": summary, "chars": utf8.RuneCountInString(text)},
	}, nil
}

// extract returns the first sentence of text, capped to summaryChars runes.
func extract(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		text = text[:i+1]
	}
	if utf8.RuneCountInString(text) > summaryChars {
		r := []rune(text)
		text = string(r[:summaryChars]) + "…"
	}
	return text
}

func (e *Executor) riskAssessment(_ context.Context, task models.Task) (models.TaskResult, error) {
	action := payloadString(task, "action")
	if action == "" {
		action = strings.TrimSpace(task.Title + " " + task.Description)
	}

	a := e.reviewer.AssessRisk(action, task.Payload)
	return models.TaskResult{
		Status:  models.ResultSuccess,
		Summary: fmt.Sprintf("risk level %s", a.Level),
		Output: map[string]any{
			"risk_level":        string(a.Level),
			"requires_approval": a.RequiresApproval,
			"reasons":           a.Reasons,
		},
	}, nil
}

func (e *Executor) claimCheck(_ context.Context, task models.Task) (models.TaskResult, error) {
	claim := payloadString(task, "claim")
	if claim == "" {
		return failed("payload has no claim"), nil
	}
	sources := payloadStrings(task, "sources")
	if len(sources) == 0 {
		return failed("payload has no sources"), nil
	}

	c := e.reviewer.CheckClaim(claim, sources)
	summary := "claim not supported by sources"
	if c.Supported {
		summary = "claim supported by sources"
	}
	return models.TaskResult{
		Status:  models.ResultSuccess,
		Summary: summary,
		Output: map[string]any{
			"supported": c.Supported,
			"sources":   c.Sources,
			"missing":   c.Missing,
		},
	}, nil
}

func (e *Executor) memoryDigest(ctx context.Context, task models.Task) (models.TaskResult, error) {
	stats, err := e.memory.Stats(ctx)
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("could not read memory stats: %w", err)
	}
	recs, err := e.memory.SearchMemory(ctx, memory.Filters{
		Agent:     payloadString(task, "agent"),
		SessionID: payloadString(task, "session_id"),
		Limit:     digestRecent,
	})
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("could not list memories: %w", err)
	}

	recent := make([]string, 0, len(recs))
	for _, r := range recs {
		recent = append(recent, fmt.Sprintf("[%s/%s] %s", r.Agent, r.Type, extract(r.Content)))
	}
	return models.TaskResult{
		Status:  models.ResultSuccess,
		Summary: fmt.Sprintf("%d memories", stats.Total),
		Output: map[string]any{
			"total":    stats.Total,
			"by_agent": stats.ByAgent,
			"by_type":  stats.ByType,
			"recent":   recent,
		},
	}, nil
}
