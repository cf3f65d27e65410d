package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/memory"
)

func newStore(t *testing.T, embedder memory.Embedder) *memory.Store {
	t.Helper()
	s, err := memory.NewStore(context.Background(), memory.StoreConfig{
		DBPath:   filepath.Join(t.TempDir(), "memory.db"),
		Embedder: embedder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndSearchMemory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.SaveMemory(ctx, "planner", memory.TypePlanning, "plan for launch", []string{"goal"}, "s1")
	require.NoError(t, err)
	_, err = s.SaveMemory(ctx, "developer", memory.TypeExecution, "wrote the handler", []string{"developer", "task"}, "s1")
	require.NoError(t, err)
	_, err = s.SaveMemory(ctx, "developer", memory.TypeExecution, "fixed the tests", nil, "s2")
	require.NoError(t, err)

	tests := map[string]struct {
		filters  memory.Filters
		expCount int
	}{
		"No filters returns everything.":  {filters: memory.Filters{}, expCount: 3},
		"Filter by agent.":                 {filters: memory.Filters{Agent: "developer"}, expCount: 2},
		"Filter by type.":                  {filters: memory.Filters{Type: memory.TypePlanning}, expCount: 1},
		"Filter by session.":               {filters: memory.Filters{SessionID: "s1"}, expCount: 2},
		"Filter by tag.":                   {filters: memory.Filters{Tag: "task"}, expCount: 1},
		"Limit is applied.":                {filters: memory.Filters{Limit: 1}, expCount: 1},
		"Combined filters narrow results.": {filters: memory.Filters{Agent: "developer", SessionID: "s2"}, expCount: 1},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := s.SearchMemory(ctx, test.filters)
			require.NoError(t, err)
			assert.Len(t, got, test.expCount)
		})
	}
}

func TestSaveMemoryRequiresAgentAndType(t *testing.T) {
	s := newStore(t, nil)
	_, err := s.SaveMemory(context.Background(), "", memory.TypeResult, "x", nil, "")
	assert.Error(t, err)
}

func TestSemanticSearchTextFallback(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	_, err := s.SaveMemory(ctx, "research", memory.TypeExecution, "The claim protocol uses a conditional update", nil, "")
	require.NoError(t, err)
	_, err = s.SaveMemory(ctx, "research", memory.TypeExecution, "Priority queues keep FIFO order", nil, "")
	require.NoError(t, err)

	got, err := s.SemanticSearch(ctx, "conditional", 5, memory.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "conditional update")

	// Partial words don't match full-text tokens, the substring fallback finds them.
	got, err = s.SemanticSearch(ctx, "FIF", 5, memory.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "FIFO")

	got, err = s.SemanticSearch(ctx, "nothing-like-this", 5, memory.Filters{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// keywordEmbedder embeds text as counts of a fixed vocabulary.
type keywordEmbedder struct {
	vocab []string
	fail  bool
}

func (k keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if k.fail {
		return nil, errors.New("embedding service down")
	}
	text = strings.ToLower(text)
	vec := make([]float32, len(k.vocab))
	for i, w := range k.vocab {
		vec[i] = float32(strings.Count(text, w))
	}
	return vec, nil
}

func TestSemanticSearchWithEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, keywordEmbedder{vocab: []string{"cat", "dog", "fish"}})

	_, err := s.SaveMemory(ctx, "a", memory.TypeResult, "dog dog dog", nil, "")
	require.NoError(t, err)
	_, err = s.SaveMemory(ctx, "a", memory.TypeResult, "cat cat fish", nil, "")
	require.NoError(t, err)
	_, err = s.SaveMemory(ctx, "a", memory.TypeResult, "cat", nil, "")
	require.NoError(t, err)

	got, err := s.SemanticSearch(ctx, "cat", 2, memory.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cat", got[0].Content)
	assert.Equal(t, "cat cat fish", got[1].Content)
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestSemanticSearchEmbedderFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, keywordEmbedder{fail: true})

	_, err := s.SaveMemory(ctx, "a", memory.TypeResult, "rollout finished", nil, "")
	require.NoError(t, err)

	got, err := s.SemanticSearch(ctx, "rollout", 3, memory.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	for _, rec := range []struct{ agent, typ string }{
		{"planner", memory.TypePlanning},
		{"developer", memory.TypeExecution},
		{"developer", memory.TypeExecution},
		{"orchestrator", memory.TypeResult},
	} {
		_, err := s.SaveMemory(ctx, rec.agent, rec.typ, "x", nil, "")
		require.NoError(t, err)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByAgent["developer"])
	assert.Equal(t, 2, st.ByType[memory.TypeExecution])
}
