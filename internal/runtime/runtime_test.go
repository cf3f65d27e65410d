package runtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/agent"
	"github.com/ShayCichocki/colony/internal/runtime"
	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/pkg/models"
)

const tenant = "acme"

type processorFunc func(ctx context.Context, task models.Task) (models.TaskResult, error)

func (f processorFunc) Process(ctx context.Context, task models.Task, _ agent.RuntimeContext) (models.TaskResult, error) {
	return f(ctx, task)
}

// failOnFlag fails tasks whose payload has fail=true.
var failOnFlag = processorFunc(func(_ context.Context, task models.Task) (models.TaskResult, error) {
	if fail, _ := task.Payload["fail"].(bool); fail {
		return models.TaskResult{Status: models.ResultFailure, Error: "asked to fail"}, nil
	}
	return models.TaskResult{Status: models.ResultSuccess, Summary: "ok " + task.Title}, nil
})

func newTask(t *testing.T, s store.Store, title string, p models.Priority, fail bool) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), models.Task{
		TenantID: tenant,
		Assignee: agent.NameDeveloper,
		Title:    title,
		Priority: p,
		Payload:  map[string]any{"fail": fail},
	})
	require.NoError(t, err)
	return task
}

func newRuntime(t *testing.T, cfg runtime.Config) *runtime.Runtime {
	t.Helper()
	if cfg.TenantID == "" {
		cfg.TenantID = tenant
	}
	rt, err := runtime.New(cfg)
	require.NoError(t, err)
	return rt
}

func statusOf(t *testing.T, s store.Store, id string) models.TaskStatus {
	t.Helper()
	got, err := s.Get(context.Background(), tenant, id)
	require.NoError(t, err)
	return got.Status
}

func TestNewValidates(t *testing.T) {
	_, err := runtime.New(runtime.Config{TenantID: tenant, Processor: failOnFlag})
	assert.Error(t, err)
	_, err = runtime.New(runtime.Config{Store: store.NewMemory(store.MemoryConfig{}), Processor: failOnFlag})
	assert.Error(t, err)
	_, err = runtime.New(runtime.Config{Store: store.NewMemory(store.MemoryConfig{}), TenantID: tenant})
	assert.Error(t, err)
}

func TestRunOnceProcessesAll(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	a := newTask(t, s, "a", models.PriorityLow, false)
	b := newTask(t, s, "b", models.PriorityHigh, false)
	c := newTask(t, s, "c", models.PriorityMedium, true)

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, runtime.Report{Processed: 3, Completed: 2, Failures: 1}, rep)
	assert.NoError(t, rep.Err())
	assert.Equal(t, models.TaskStatusCompleted, statusOf(t, s, a.ID))
	assert.Equal(t, models.TaskStatusCompleted, statusOf(t, s, b.ID))
	assert.Equal(t, models.TaskStatusFailed, statusOf(t, s, c.ID))

	got, err := s.Get(context.Background(), tenant, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok b", got.Result["summary"])

	// Failed tasks are not retried.
	rep, err = rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
}

func TestRunOnceStopsAtFailureBudget(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	// The three failing tasks are the most urgent, so they run first.
	for _, title := range []string{"f1", "f2", "f3"} {
		newTask(t, s, title, models.PriorityCritical, true)
	}
	for _, title := range []string{"ok1", "ok2"} {
		newTask(t, s, title, models.PriorityLow, false)
	}

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5, MaxFailures: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 2, rep.Failures)
	assert.False(t, rep.TimedOut)
	assert.True(t, rep.FailureLimit)
	assert.ErrorIs(t, rep.Err(), runtime.ErrBudgetExceeded)

	counts, err := s.Counts(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.TaskStatusPending])
	assert.Equal(t, 2, counts[models.TaskStatusFailed])
}

func TestRunOnceFailureBudgetSpentByLastTask(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	newTask(t, s, "f1", models.PriorityMedium, true)
	newTask(t, s, "f2", models.PriorityMedium, true)

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5, MaxFailures: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 2, rep.Failures)
	assert.True(t, rep.FailureLimit)
	assert.ErrorIs(t, rep.Err(), runtime.ErrBudgetExceeded)
}

func TestRunOnceUnderFailureBudget(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	newTask(t, s, "f1", models.PriorityMedium, true)
	newTask(t, s, "ok", models.PriorityMedium, false)

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5, MaxFailures: 2})
	require.NoError(t, err)

	assert.Equal(t, runtime.Report{Processed: 2, Completed: 1, Failures: 1}, rep)
	assert.NoError(t, rep.Err())
}

func TestRunOnceStopsAtTimeBudget(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	for _, title := range []string{"a", "b", "c"} {
		newTask(t, s, title, models.PriorityMedium, false)
	}

	// Every reading of the clock advances it by a minute.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag, Clock: clock})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5, MaxDuration: 90 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Processed)
	assert.True(t, rep.TimedOut)
	assert.ErrorIs(t, rep.Err(), runtime.ErrBudgetExceeded)
}

func TestUnknownAgentFailsTask(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	task, err := s.Create(context.Background(), models.Task{TenantID: tenant, Assignee: "ghost", Title: "haunt"})
	require.NoError(t, err)

	reg, err := agent.NewRegistry(agent.NewDeveloper(agent.Config{}))
	require.NoError(t, err)

	rt := newRuntime(t, runtime.Config{Store: s, Registry: reg})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failures)

	got, err := s.Get(context.Background(), tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no such agent")
}

func TestRegistryProcessorRunsAgents(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	task := newTask(t, s, "write docs", models.PriorityMedium, false)

	reg, err := agent.NewRegistry(agent.NewDeveloper(agent.Config{}))
	require.NoError(t, err)

	rt := newRuntime(t, runtime.Config{Store: s, Registry: reg})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)

	got, err := s.Get(context.Background(), tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed: write docs", got.Result["summary"])
}

func TestDispatchFailures(t *testing.T) {
	tests := map[string]struct {
		proc    processorFunc
		timeout time.Duration
		wantErr string
	}{
		"agent error": {
			proc: func(context.Context, models.Task) (models.TaskResult, error) {
				return models.TaskResult{}, errors.New("disk full")
			},
			wantErr: "disk full",
		},
		"panic": {
			proc: func(context.Context, models.Task) (models.TaskResult, error) {
				panic("nil map")
			},
			wantErr: "panic: nil map",
		},
		"timeout": {
			proc: func(ctx context.Context, _ models.Task) (models.TaskResult, error) {
				<-ctx.Done()
				return models.TaskResult{}, ctx.Err()
			},
			timeout: 20 * time.Millisecond,
			wantErr: "deadline exceeded",
		},
		"agent ignoring the deadline": {
			proc: func(context.Context, models.Task) (models.TaskResult, error) {
				time.Sleep(200 * time.Millisecond)
				return models.TaskResult{Status: models.ResultSuccess}, nil
			},
			timeout: 20 * time.Millisecond,
			wantErr: "deadline exceeded",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s := store.NewMemory(store.MemoryConfig{})
			task := newTask(t, s, "x", models.PriorityMedium, false)

			rt := newRuntime(t, runtime.Config{Store: s, Processor: test.proc, DispatchTimeout: test.timeout})
			rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Failures)

			got, err := s.Get(context.Background(), tenant, task.ID)
			require.NoError(t, err)
			assert.Equal(t, models.TaskStatusFailed, got.Status)
			assert.Contains(t, got.Error, test.wantErr)
		})
	}
}

func TestClaimTaskRace(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	task := newTask(t, s, "contested", models.PriorityMedium, false)

	w1 := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag, WorkerID: "w1"})
	w2 := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag, WorkerID: "w2"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, w := range []*runtime.Runtime{w1, w2} {
		wg.Add(1)
		go func(w *runtime.Runtime) {
			defer wg.Done()
			mine := *task
			ok, err := w.ClaimTask(context.Background(), &mine)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(w)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	pending, err := w2.FetchPendingTasks(context.Background(), 10, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunOnceWorkers(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	for i := 0; i < 6; i++ {
		newTask(t, s, "t", models.PriorityMedium, false)
	}

	var inFlight, peak atomic.Int32
	proc := processorFunc(func(context.Context, models.Task) (models.TaskResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return models.TaskResult{Status: models.ResultSuccess}, nil
	})

	rt := newRuntime(t, runtime.Config{Store: s, Processor: proc, Workers: 3})
	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Completed)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestStopBeforeRun(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	newTask(t, s, "a", models.PriorityMedium, false)

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag})
	rt.Stop()
	assert.False(t, rt.Running())

	rep, err := rt.RunOnce(context.Background(), runtime.RunOnceOptions{Limit: 5})
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
	assert.True(t, rep.Stopped)
}

func TestRunTask(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	ok := newTask(t, s, "ok", models.PriorityMedium, false)
	bad := newTask(t, s, "bad", models.PriorityMedium, true)

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag})

	rep, err := rt.RunTask(context.Background(), ok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)

	rep, err = rt.RunTask(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failures)

	_, err = rt.RunTask(context.Background(), ok.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = rt.RunTask(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunLoopUntilStopped(t *testing.T) {
	s := store.NewMemory(store.MemoryConfig{})
	newTask(t, s, "a", models.PriorityMedium, false)

	var done atomic.Int32
	var rt *runtime.Runtime
	proc := processorFunc(func(context.Context, models.Task) (models.TaskResult, error) {
		if done.Add(1) == 2 {
			rt.Stop()
		}
		return models.TaskResult{Status: models.ResultSuccess}, nil
	})
	rt = newRuntime(t, runtime.Config{Store: s, Processor: proc})

	result := make(chan runtime.Report, 1)
	go func() {
		rep, err := rt.RunLoop(context.Background(), runtime.LoopOptions{Sleep: 5 * time.Millisecond, BatchSize: 5})
		assert.NoError(t, err)
		result <- rep
	}()

	// A task created while the loop runs is picked up by a later batch.
	time.Sleep(20 * time.Millisecond)
	newTask(t, s, "b", models.PriorityMedium, false)

	select {
	case rep := <-result:
		assert.Equal(t, 2, rep.Completed)
		assert.True(t, rep.Stopped)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunLoopContextCancel(t *testing.T) {
	rt := newRuntime(t, runtime.Config{Store: store.NewMemory(store.MemoryConfig{}), Processor: failOnFlag})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	rep, err := rt.RunLoop(ctx, runtime.LoopOptions{Sleep: time.Hour})
	require.NoError(t, err)
	assert.Zero(t, rep.Processed)
}

func TestRunLoopStopSignal(t *testing.T) {
	signals, err := runtime.NewSignals(t.TempDir(), nil)
	require.NoError(t, err)
	defer signals.Close()

	s := store.NewMemory(store.MemoryConfig{})
	newTask(t, s, "a", models.PriorityMedium, false)

	rt := newRuntime(t, runtime.Config{Store: s, Processor: failOnFlag, Signals: signals})

	require.NoError(t, signals.SendPause())
	time.AfterFunc(30*time.Millisecond, func() { _ = signals.SendStop() })

	rep, err := rt.RunLoop(context.Background(), runtime.LoopOptions{Sleep: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Zero(t, rep.Processed, "paused loop must not run batches")
}
