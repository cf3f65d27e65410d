// Package storetest holds the behavior tests every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/pkg/models"
)

const tenant = "acme"

// Run runs the suite against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := map[string]func(t *testing.T, s store.Store){
		"create and get":                    testCreateAndGet,
		"create validates":                  testCreateValidates,
		"fetch pending ordering":            testFetchPendingOrdering,
		"fetch pending filters":             testFetchPendingFilters,
		"tenant isolation":                  testTenantIsolation,
		"claim is compare and set":          testClaimCAS,
		"concurrent claims have one winner": testConcurrentClaims,
		"complete records the outcome":      testComplete,
		"approval gate":                     testApprove,
		"requeue and cancel":                testRequeueAndCancel,
		"terminal tasks stay terminal":      testTerminalTasksStayTerminal,
		"retry copies failed tasks":         testRetry,
		"counts and list":                   testCountsAndList,
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			test(t, s)
		})
	}
}

func create(t *testing.T, s store.Store, title string, p models.Priority) *models.Task {
	t.Helper()
	task, err := s.Create(context.Background(), models.Task{
		TenantID: tenant,
		Assignee: "developer",
		Type:     "echo",
		Title:    title,
		Priority: p,
		Payload:  map[string]any{"title": title},
	})
	require.NoError(t, err)
	// Keep creation timestamps distinct on coarse clocks.
	time.Sleep(2 * time.Millisecond)
	return task
}

func ids(tasks []*models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := create(t, s, "a", models.PriorityHigh)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := s.Get(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Title)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, "echo", got.Type)
	assert.Equal(t, "a", got.Payload["title"])

	_, err = s.Get(ctx, tenant, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateValidates(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Create(ctx, models.Task{Assignee: "developer", Title: "x"})
	assert.Error(t, err)
	_, err = s.Create(ctx, models.Task{TenantID: tenant, Title: "x"})
	assert.Error(t, err)
	_, err = s.Create(ctx, models.Task{TenantID: tenant, Assignee: "developer"})
	assert.Error(t, err)
	_, err = s.Create(ctx, models.Task{TenantID: tenant, Assignee: "developer", Title: "x", Priority: 9})
	assert.Error(t, err)
}

func testFetchPendingOrdering(t *testing.T, s store.Store) {
	create(t, s, "low", models.PriorityLow)
	create(t, s, "high-1", models.PriorityHigh)
	create(t, s, "medium", models.PriorityMedium)
	create(t, s, "high-2", models.PriorityHigh)
	create(t, s, "critical", models.PriorityCritical)

	got, err := s.FetchPending(context.Background(), store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "high-1", "high-2", "medium", "low"}, ids(got))

	got, err = s.FetchPending(context.Background(), store.PendingQuery{TenantID: tenant, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "high-1"}, ids(got))
}

func testFetchPendingFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, "echo", models.PriorityMedium)
	other, err := s.Create(ctx, models.Task{TenantID: tenant, Assignee: "safety", Type: "risk_assessment", Title: "risk"})
	require.NoError(t, err)

	got, err := s.FetchPending(ctx, store.PendingQuery{TenantID: tenant, TaskType: "risk_assessment"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)
}

func testTenantIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := create(t, s, "mine", models.PriorityMedium)

	got, err := s.FetchPending(ctx, store.PendingQuery{TenantID: "other"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.Get(ctx, "other", task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := create(t, s, "a", models.PriorityMedium)
	stale := *task

	require.NoError(t, s.Claim(ctx, task))
	assert.Equal(t, models.TaskStatusInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)
	assert.Greater(t, task.Version, stale.Version)

	err := s.Claim(ctx, &stale)
	assert.ErrorIs(t, err, store.ErrClaimLost)

	got, err := s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := create(t, s, "contested", models.PriorityMedium)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := *task
			err := s.Claim(ctx, &mine)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, store.ErrClaimLost):
				lost++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, lost)

	got, err := s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	ok := create(t, s, "ok", models.PriorityMedium)
	bad := create(t, s, "bad", models.PriorityMedium)

	err := s.Complete(ctx, ok, models.TaskResult{Status: models.ResultSuccess})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.Claim(ctx, ok))
	require.NoError(t, s.Complete(ctx, ok, models.TaskResult{Status: models.ResultSuccess, Summary: "done", Output: map[string]any{"n": "1"}}))
	require.NoError(t, s.Claim(ctx, bad))
	require.NoError(t, s.Complete(ctx, bad, models.TaskResult{Status: models.ResultFailure, Error: "exploded"}))

	got, err := s.Get(ctx, tenant, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result["summary"])
	assert.Equal(t, "1", got.Result["n"])
	assert.NotNil(t, got.CompletedAt)
	_, hasDuration := got.ActualDuration()
	assert.True(t, hasDuration)

	got, err = s.Get(ctx, tenant, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "exploded", got.Error)
	assert.Nil(t, got.Result)

	err = s.Complete(ctx, got, models.TaskResult{Status: models.ResultSuccess})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func testApprove(t *testing.T, s store.Store) {
	ctx := context.Background()
	gated, err := s.Create(ctx, models.Task{TenantID: tenant, Assignee: "developer", Title: "gated", RequiresReview: true, Priority: models.PriorityHigh})
	require.NoError(t, err)

	got, err := s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Approve(ctx, tenant, gated.ID))
	got, err = s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Approved)

	assert.ErrorIs(t, s.Approve(ctx, tenant, "missing"), store.ErrNotFound)
}

func testRequeueAndCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := create(t, s, "held", models.PriorityMedium)

	assert.ErrorIs(t, s.Requeue(ctx, tenant, task.ID), store.ErrInvalidTransition)

	require.NoError(t, s.Block(ctx, tenant, task.ID, "waiting on vendor"))
	got, err := s.Get(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, got.Status)
	assert.Equal(t, "waiting on vendor", got.BlockedReason)

	pending, err := s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.ErrorIs(t, s.Claim(ctx, task), store.ErrClaimLost)
	assert.ErrorIs(t, s.Block(ctx, tenant, task.ID, "again"), store.ErrInvalidTransition)

	require.NoError(t, s.Requeue(ctx, tenant, task.ID))
	got, err = s.Get(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.BlockedReason)

	// The requeued row is claimable again with its new version.
	pending, err = s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.Cancel(ctx, tenant, task.ID))
	got, err = s.Get(ctx, tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)

	assert.ErrorIs(t, s.Cancel(ctx, tenant, task.ID), store.ErrInvalidTransition)
	assert.ErrorIs(t, s.Requeue(ctx, tenant, task.ID), store.ErrInvalidTransition)
	assert.ErrorIs(t, s.Claim(ctx, pending[0]), store.ErrClaimLost)
	assert.ErrorIs(t, s.Requeue(ctx, tenant, "missing"), store.ErrNotFound)
}

func testTerminalTasksStayTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	failed := create(t, s, "flaky", models.PriorityHigh)
	require.NoError(t, s.Claim(ctx, failed))
	require.NoError(t, s.Complete(ctx, failed, models.TaskResult{Status: models.ResultFailure, Error: "x"}))

	done := create(t, s, "fine", models.PriorityMedium)
	require.NoError(t, s.Claim(ctx, done))
	require.NoError(t, s.Complete(ctx, done, models.TaskResult{Status: models.ResultSuccess}))

	for _, id := range []string{failed.ID, done.ID} {
		assert.ErrorIs(t, s.Requeue(ctx, tenant, id), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.Block(ctx, tenant, id, "no"), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.Cancel(ctx, tenant, id), store.ErrInvalidTransition)
	}

	got, err := s.Get(ctx, tenant, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "x", got.Error)
}

func testRetry(t *testing.T, s store.Store) {
	ctx := context.Background()
	failed, err := s.Create(ctx, models.Task{
		TenantID: tenant,
		Assignee: "developer",
		Type:     "summarize",
		Title:    "flaky",
		Priority: models.PriorityHigh,
		Payload:  map[string]any{"text": "hello"},
		Tags:     []string{"nightly"},
	})
	require.NoError(t, err)

	_, err = store.Retry(ctx, s, tenant, failed.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "pending tasks are not retried")

	require.NoError(t, s.Claim(ctx, failed))
	require.NoError(t, s.Complete(ctx, failed, models.TaskResult{Status: models.ResultFailure, Error: "x"}))

	retry, err := store.Retry(ctx, s, tenant, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retry.ID)
	assert.Equal(t, models.TaskStatusPending, retry.Status)
	assert.Equal(t, "flaky", retry.Title)
	assert.Equal(t, "summarize", retry.Type)
	assert.Equal(t, models.PriorityHigh, retry.Priority)
	assert.Equal(t, "hello", retry.Payload["text"])
	assert.Equal(t, []string{"nightly"}, retry.Tags)
	assert.Equal(t, failed.ID, retry.Metadata[store.RetryOfKey])
	assert.Empty(t, retry.Error)

	got, err := s.Get(ctx, tenant, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	pending, err := s.FetchPending(ctx, store.PendingQuery{TenantID: tenant})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, retry.ID, pending[0].ID)

	_, err = store.Retry(ctx, s, tenant, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCountsAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := create(t, s, "a", models.PriorityMedium)
	create(t, s, "b", models.PriorityMedium)
	create(t, s, "c", models.PriorityMedium)
	require.NoError(t, s.Claim(ctx, a))

	counts, err := s.Counts(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.TaskStatusPending])
	assert.Equal(t, 1, counts[models.TaskStatusInProgress])
	assert.Zero(t, counts[models.TaskStatusFailed])

	list, err := s.List(ctx, store.ListQuery{TenantID: tenant})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(list))

	list, err = s.List(ctx, store.ListQuery{TenantID: tenant, Status: models.TaskStatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(list))

	list, err = s.List(ctx, store.ListQuery{TenantID: tenant, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(list))
}
