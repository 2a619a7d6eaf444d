package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 1, cfg.Version)
	assert.NotEmpty(t, cfg.Paths.DataDir)

	assert.Equal(t, 1000, cfg.Scheduler.MaxBatchedTasks)
	assert.True(t, cfg.Scheduler.AutobatchingEnabled)
	assert.True(t, cfg.Scheduler.CleanupEnabled)
	assert.Equal(t, 100000, cfg.Scheduler.MaxTasks)

	assert.Equal(t, 1<<30, cfg.Storage.InitialMapSize)
	assert.Equal(t, 64<<30, cfg.Storage.MaxMapSize)
	assert.Equal(t, 20, cfg.Storage.CatalogCapacity)

	assert.Empty(t, cfg.Embedders)
	assert.Equal(t, []string{"words", "typo", "proximity", "attribute", "sort", "exactness"}, cfg.Ranking.DefaultOrder)
}

func TestLoad_ProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "gokko.yaml")
	content := `
scheduler:
  max_batched_tasks: 50
  autobatching_enabled: false
storage:
  catalog_capacity: 5
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Scheduler.MaxBatchedTasks)
	assert.False(t, cfg.Scheduler.AutobatchingEnabled)
	assert.Equal(t, 5, cfg.Storage.CatalogCapacity)
	// untouched keys keep their defaults
	assert.Equal(t, 1<<30, cfg.Storage.InitialMapSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "gokko.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("scheduler:\n  max_batched_tasks: 50\n"), 0644))

	t.Setenv("GOKKO_MAX_BATCHED_TASKS", "9")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Scheduler.MaxBatchedTasks)
}

func TestLoad_GokkoEmbedderEnvSetsDefaultEmbedder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GOKKO_EMBEDDER", "ollama")
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Contains(t, cfg.Embedders, "default")
	assert.Equal(t, "ollama", cfg.Embedders["default"].Source)
}

func TestValidate_RejectsUnknownEmbedderSource(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedders["default"] = EmbedderConfig{Source: "bogus"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedders.default.source")
}

func TestValidate_RejectsInitialMapSizeAboveMax(t *testing.T) {
	cfg := NewConfig()
	cfg.Storage.InitialMapSize = cfg.Storage.MaxMapSize + 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_map_size")
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	cfg := NewConfig()
	cfg.Scheduler.MaxBatchedTasks = 42

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 42, loaded.Scheduler.MaxBatchedTasks)
}

func TestGetUserConfigPath_RespectsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	got := GetUserConfigPath()
	assert.Equal(t, filepath.Join(dir, "gokko", "config.yaml"), got)
}
