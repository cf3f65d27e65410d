package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every lookup at empty temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("ANTHROPIC_API_KEY", "")
	chdir(t, t.TempDir())
	return home
}

func TestDefault(t *testing.T) {
	home := isolate(t)
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join(home, "data", "colony", "colony.db"), cfg.Store.Path)
	assert.Empty(t, cfg.Store.Tenant)
	assert.Equal(t, 1, cfg.Runtime.Workers)
	assert.Equal(t, 10, cfg.Runtime.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Runtime.DispatchTimeout)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadWithoutFiles(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "colony.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite3
  path: /tmp/tasks.db
  tenant: acme
runtime:
  workers: 4
  max_failures: 3
  dispatch_timeout: 30s
safety:
  watch: true
anthropic:
  api_key: ${TEST_COLONY_KEY}
  task_models:
    summarize: claude-3-5-haiku-20241022
`), 0o644))
	t.Setenv("TEST_COLONY_KEY", "sk-ant-from-env-123456")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, StoreConfig{Driver: "sqlite3", Path: "/tmp/tasks.db", Tenant: "acme"}, cfg.Store)
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, 3, cfg.Runtime.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Runtime.DispatchTimeout)
	assert.Equal(t, 10, cfg.Runtime.BatchSize)
	assert.True(t, cfg.Safety.Watch)
	assert.Equal(t, "sk-ant-from-env-123456", cfg.Anthropic.APIKey)
	assert.Equal(t, map[string]string{"summarize": "claude-3-5-haiku-20241022"}, cfg.Anthropic.TaskModels)
}

func TestLoadFromPathMissing(t *testing.T) {
	isolate(t)
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("COLONY_STORE_TENANT", "env-tenant")
	t.Setenv("COLONY_RUNTIME_WORKERS", "8")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env-0000000000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-tenant", cfg.Store.Tenant)
	assert.Equal(t, 8, cfg.Runtime.Workers)
	assert.Equal(t, "sk-ant-env-0000000000", cfg.Anthropic.APIKey)
}

func TestProjectConfigOverridesUser(t *testing.T) {
	home := isolate(t)

	userDir := filepath.Join(home, "config", "colony")
	require.NoError(t, os.MkdirAll(userDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.yaml"),
		[]byte("store:\n  tenant: user\nruntime:\n  workers: 2\n"), 0o600))

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, ".colony.yaml"),
		[]byte("store:\n  tenant: project\n"), 0o600))
	nested := filepath.Join(project, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	chdir(t, nested)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "project", cfg.Store.Tenant)
	assert.Equal(t, 2, cfg.Runtime.Workers)
	assert.Equal(t, filepath.Join(project, ".colony.yaml"), ProjectConfigPath())
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		store   StoreConfig
		wantErr bool
	}{
		"sqlite":         {store: StoreConfig{Driver: "sqlite", Path: "x.db", Tenant: "t"}},
		"cgo sqlite":     {store: StoreConfig{Driver: "sqlite3", Path: "x.db", Tenant: "t"}},
		"memory no path": {store: StoreConfig{Driver: "memory", Tenant: "t"}},
		"no tenant":      {store: StoreConfig{Driver: "sqlite", Path: "x.db"}, wantErr: true},
		"no path":        {store: StoreConfig{Driver: "sqlite", Tenant: "t"}, wantErr: true},
		"unknown driver": {store: StoreConfig{Driver: "postgres", Path: "x", Tenant: "t"}, wantErr: true},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := &Config{Store: test.store}
			err := cfg.Validate()
			if test.wantErr {
				assert.ErrorIs(t, err, ErrNotConfigured)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetAndSave(t *testing.T) {
	isolate(t)

	require.NoError(t, Set("store.tenant", "acme"))
	require.NoError(t, Set("runtime.workers", 3))
	assert.Error(t, Set("store.colour", "blue"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Store.Tenant)
	assert.Equal(t, 3, cfg.Runtime.Workers)

	cfg.Log.Format = "json"
	require.NoError(t, Save(cfg))
	again, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestAPIKey(t *testing.T) {
	isolate(t)

	key, src := APIKey(&Config{})
	assert.Empty(t, key)
	assert.Equal(t, KeySourceNone, src)

	key, src = APIKey(&Config{Anthropic: AnthropicConfig{APIKey: "${UNSET_COLONY_VAR}"}})
	assert.Empty(t, key)
	assert.Equal(t, KeySourceNone, src)

	key, src = APIKey(&Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-file"}})
	assert.Equal(t, "sk-ant-file", key)
	assert.Equal(t, KeySourceConfig, src)

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	_, src = APIKey(&Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-file"}})
	assert.Equal(t, KeySourceEnv, src)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "(not set)", MaskAPIKey(""))
	assert.Equal(t, "***", MaskAPIKey("short"))
	assert.Equal(t, "sk-ant-...wxyz", MaskAPIKey("sk-ant-REDACTED"))
	assert.Equal(t, "***", Mask("anthropic.api_key", "secret"))
	assert.Equal(t, 3, Mask("runtime.workers", 3))
}

func TestKeys(t *testing.T) {
	assert.True(t, IsKnownKey("store.tenant"))
	assert.True(t, IsKnownKey("runtime.signals_dir"))
	assert.True(t, IsKnownKey("anthropic.task_models"))
	assert.False(t, IsKnownKey("store"))
}

func TestValuesCoverEveryKey(t *testing.T) {
	isolate(t)
	values := Default().Values()
	assert.Len(t, values, len(Keys()))
	for _, k := range Keys() {
		assert.Contains(t, values, k)
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatal(err)
		}
	})
}
