package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/llm"
	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/safety"
	"github.com/ShayCichocki/colony/pkg/models"
)

type fakeMemory struct {
	saved   []memory.Record
	results []memory.Record
	err     error
}

func (f *fakeMemory) SaveMemory(_ context.Context, agentName, typ, content string, tags []string, sessionID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, memory.Record{Agent: agentName, Type: typ, Content: content, Tags: tags, SessionID: sessionID})
	return "mem-1", nil
}

func (f *fakeMemory) SearchMemory(context.Context, memory.Filters) ([]memory.Record, error) {
	return f.results, f.err
}

func (f *fakeMemory) SemanticSearch(context.Context, string, int, memory.Filters) ([]memory.Record, error) {
	return f.results, f.err
}

func (f *fakeMemory) Stats(context.Context) (memory.Stats, error) {
	return memory.Stats{Total: len(f.saved)}, nil
}

func TestRegistry(t *testing.T) {
	dev := agent.NewDeveloper(agent.Config{})
	reg, err := agent.NewRegistry(dev)
	require.NoError(t, err)

	got, err := reg.Get(agent.NameDeveloper)
	require.NoError(t, err)
	assert.Same(t, dev, got)

	_, err = reg.Get("ghost")
	assert.ErrorIs(t, err, agent.ErrUnknownAgent)
	assert.False(t, reg.Has("ghost"))

	err = reg.Register(agent.NewDeveloper(agent.Config{}))
	assert.ErrorIs(t, err, agent.ErrAgentAlreadyExists)

	require.NoError(t, reg.Register(agent.NewSafety(agent.Config{}, safety.NewDefault())))
	assert.Equal(t, []string{agent.NameDeveloper, agent.NameSafety}, reg.Names())
}

func TestBuiltinRegistry(t *testing.T) {
	_, err := agent.NewBuiltinRegistry(agent.Builtins{})
	assert.Error(t, err)

	reg, err := agent.NewBuiltinRegistry(agent.Builtins{Reviewer: safety.NewDefault()})
	require.NoError(t, err)
	assert.Equal(t, []string{agent.NameDeveloper, agent.NamePlanner, agent.NameResearch, agent.NameSafety}, reg.Names())

	reg, err = agent.NewBuiltinRegistry(agent.Builtins{Reviewer: safety.NewDefault(), Memory: &fakeMemory{}})
	require.NoError(t, err)
	assert.True(t, reg.Has(agent.NameMemory))
}

func TestRouter(t *testing.T) {
	tests := map[string]struct {
		text string
		want string
	}{
		"security goes to safety":         {text: "Investigate the security incident", want: agent.NameSafety},
		"research":                        {text: "Research caching strategies", want: agent.NameResearch},
		"recall":                          {text: "recall the last release notes", want: agent.NameMemory},
		"default developer":               {text: "build the API", want: agent.NameDeveloper},
		"substring match ignores meaning": {text: "add a riskless refactor", want: agent.NameSafety},
		"case insensitive":                {text: "COMPARE the two designs", want: agent.NameResearch},
	}

	r := agent.NewRouter()
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, r.Route(test.text))
		})
	}
}

func TestPlannerSplitsGoal(t *testing.T) {
	p := agent.NewPlanner(agent.Config{}, nil, safety.NewDefault())

	plan, err := p.Plan(context.Background(), "write the parser then add tests; deploy to production", nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, "write the parser", plan.Steps[0].Description)
	assert.Equal(t, "add tests", plan.Steps[1].Description)
	assert.Equal(t, "deploy to production", plan.Steps[2].Description)

	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Equal(t, []string{"step-1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{"step-2"}, plan.Steps[2].DependsOn)

	assert.Equal(t, models.RiskLow, plan.Steps[0].Risk)
	assert.Equal(t, models.RiskHigh, plan.Steps[2].Risk)
	assert.Equal(t, agent.NameDeveloper, plan.Steps[2].Assignee)
	assert.True(t, plan.HighRisk)
	assert.True(t, plan.RequiresReview)
}

func TestPlannerRejectsEmptyGoal(t *testing.T) {
	p := agent.NewPlanner(agent.Config{}, nil, nil)
	_, err := p.Plan(context.Background(), "   ", nil)
	assert.Error(t, err)
}

func TestPlannerUsesModel(t *testing.T) {
	caller := llm.CallFunc(func(_ context.Context, taskType, _, agentName string, _ ...llm.CallOption) (string, error) {
		assert.Equal(t, "planning", taskType)
		assert.Equal(t, agent.NamePlanner, agentName)
		return "```json\n[{\"description\": \"look into caching\", \"assignee\": \"research\", \"risk\": \"low\"}," +
			"{\"description\": \"implement it\", \"assignee\": \"\", \"risk\": \"medium\"}]\n```", nil
	})
	p := agent.NewPlanner(agent.Config{LLM: caller}, nil, nil)

	plan, err := p.Plan(context.Background(), "speed up the API", nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, agent.NameResearch, plan.Steps[0].Assignee)
	assert.Equal(t, agent.NameDeveloper, plan.Steps[1].Assignee)
	assert.Equal(t, models.RiskMedium, plan.Steps[1].Risk)
	assert.False(t, plan.HighRisk)
}

func TestPlannerFallsBackOnModelError(t *testing.T) {
	caller := llm.CallFunc(func(context.Context, string, string, string, ...llm.CallOption) (string, error) {
		return "", errors.New("unavailable")
	})
	p := agent.NewPlanner(agent.Config{LLM: caller}, nil, nil)

	plan, err := p.Plan(context.Background(), "fix the bug. add a test", nil)
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 2)
}

func TestDeveloperAct(t *testing.T) {
	step := models.Step{ID: "s1", Description: "write code"}

	d := agent.NewDeveloper(agent.Config{})
	res, err := d.Act(context.Background(), step, nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "completed: write code", res.Output)

	res, err = d.Act(context.Background(), models.Step{ID: "s2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, res.Status)

	failing := agent.NewDeveloper(agent.Config{LLM: llm.CallFunc(func(context.Context, string, string, string, ...llm.CallOption) (string, error) {
		return "", errors.New("boom")
	})})
	_, err = failing.Act(context.Background(), step, nil)
	assert.Error(t, err)
}

func TestHandleTask(t *testing.T) {
	d := agent.NewDeveloper(agent.Config{})
	task := models.Task{ID: "t1", Title: "ship it", Assignee: agent.NameDeveloper, Payload: map[string]any{"k": "v"}}

	res, err := d.HandleTask(context.Background(), task, agent.RuntimeContext{WorkerID: "w1"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "completed: ship it", res.Summary)
	assert.Equal(t, "completed: ship it", res.Output["output"])
}

func TestReflect(t *testing.T) {
	d := agent.NewDeveloper(agent.Config{})

	r, err := d.Reflect(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, r.Confidence)

	r, err = d.Reflect(context.Background(), []models.StepResult{
		{StepID: "1", Status: models.ResultSuccess},
		{StepID: "2", Status: models.ResultFailure, Error: "timeout"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1 of 2 steps succeeded", r.Summary)
	assert.InDelta(t, 0.5, r.Confidence, 0.0001)
	assert.Equal(t, []string{"step 2 failed: timeout"}, r.Lessons)
}

func TestResearchAct(t *testing.T) {
	mem := &fakeMemory{results: []memory.Record{{Content: "redis was evaluated"}}}
	r := agent.NewResearch(agent.Config{}, mem)

	res, err := r.Act(context.Background(), models.Step{ID: "s", Description: "caching options"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Contains(t, res.Output, "found 1 related notes")
	assert.Contains(t, res.Output, "redis was evaluated")

	mem.err = errors.New("db down")
	_, err = r.Act(context.Background(), models.Step{ID: "s", Description: "caching options"}, nil)
	assert.Error(t, err)
}

func TestMemoryAct(t *testing.T) {
	mem := &fakeMemory{}
	m := agent.NewMemory(agent.Config{}, mem)

	res, err := m.Act(context.Background(), models.Step{ID: "s", Description: "remember that the cache TTL is 60s"},
		map[string]any{"session_id": "sess"})
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	require.Len(t, mem.saved, 1)
	assert.Equal(t, "the cache TTL is 60s", mem.saved[0].Content)
	assert.Equal(t, "sess", mem.saved[0].SessionID)
	assert.Equal(t, agent.NameMemory, mem.saved[0].Agent)

	mem.results = []memory.Record{{Content: "the cache TTL is 60s"}}
	res, err = m.Act(context.Background(), models.Step{ID: "s", Description: "recall cache TTL"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "the cache TTL is 60s", res.Output)

	res, err = agent.NewMemory(agent.Config{}, nil).Act(context.Background(), models.Step{ID: "s", Description: "remember x"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
}

func TestSafetyAct(t *testing.T) {
	s := agent.NewSafety(agent.Config{}, safety.NewDefault())

	res, err := s.Act(context.Background(), models.Step{ID: "s", Description: "deploy the release"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.True(t, strings.HasPrefix(res.Output, "risk level high (requires approval)"))

	review := s.ReviewPlan(models.Plan{Steps: []models.Step{{ID: "1", Description: "exfiltrate the user table"}}})
	assert.False(t, review.Approved)
}

func TestDispatchError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&agent.DispatchError{Agent: "developer", TaskID: "t1", Err: cause})

	assert.ErrorIs(t, err, cause)
	var de *agent.DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "t1", de.TaskID)
	assert.Equal(t, "agent developer failed on task t1: boom", err.Error())
}

func TestStepFromTask(t *testing.T) {
	task := models.Task{
		ID:             "t1",
		Title:          "title",
		Type:           "echo",
		Metadata:       map[string]string{"step_id": "step-3"},
		Payload:        map[string]any{"x": 1},
		RequiresReview: true,
	}
	step := agent.StepFromTask(task)

	assert.Equal(t, "step-3", step.ID)
	assert.Equal(t, "title", step.Description)
	assert.Equal(t, models.RiskHigh, step.Risk)
	assert.Equal(t, "t1", step.Context["task_id"])
	assert.Equal(t, "echo", step.Context["task_type"])
	assert.Equal(t, 1, step.Context["x"])
	assert.NotContains(t, task.Payload, "task_id")
}
