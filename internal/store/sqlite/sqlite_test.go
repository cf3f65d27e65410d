package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/sqlitedb"
	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/internal/store/sqlite"
	"github.com/ShayCichocki/colony/internal/store/storetest"
	"github.com/ShayCichocki/colony/pkg/models"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlite.New(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "tasks.db")})
		require.NoError(t, err)
		return s
	})
}

func TestStoreCGODriver(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := sqlite.New(context.Background(), sqlite.Config{
			Path:   filepath.Join(t.TempDir(), "tasks.db"),
			Driver: sqlitedb.DriverCGO,
		})
		require.NoError(t, err)
		return s
	})
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")

	s, err := sqlite.New(ctx, sqlite.Config{Path: path})
	require.NoError(t, err)
	created, err := s.Create(ctx, models.Task{
		TenantID:  "acme",
		Assignee:  "developer",
		Title:     "persist me",
		DependsOn: []string{"x"},
		Tags:      []string{"a", "b"},
		Metadata:  map[string]string{"step_id": "step-1"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(ctx, sqlite.Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.DependsOn)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, "step-1", got.Metadata["step_id"])
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
}
