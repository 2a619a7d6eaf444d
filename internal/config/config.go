package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is gokko's complete configuration: the root data directory layout,
// the batch scheduler's tuning knobs, the Storage Environment's map-size and
// catalog-capacity defaults, per-embedder settings, and the default ranking
// rule order.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	Paths     PathsConfig     `yaml:"paths" json:"paths"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Embedders map[string]EmbedderConfig `yaml:"embedders" json:"embedders"`
	Ranking   RankingConfig   `yaml:"ranking" json:"ranking"`
}

// PathsConfig locates the engine's root data directory (§6.5 layout: the
// root Storage Environment, per-index environments, and the update-files
// side store all live underneath it).
type PathsConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// SchedulerConfig tunes the Batch Scheduler's autobatcher and cleanup
// behavior (§4.4).
type SchedulerConfig struct {
	// MaxBatchedTasks caps how many tasks one autobatched batch may contain.
	MaxBatchedTasks int `yaml:"max_batched_tasks" json:"max_batched_tasks"`
	// BatchedTasksSizeLimit caps the combined content-file bytes one batch
	// may carry, in bytes.
	BatchedTasksSizeLimit int64 `yaml:"batched_tasks_size_limit" json:"batched_tasks_size_limit"`
	// AutobatchingEnabled groups compatible consecutive tasks into one
	// batch; disabled means one task per batch.
	AutobatchingEnabled bool `yaml:"autobatching_enabled" json:"autobatching_enabled"`
	// CleanupEnabled runs Queue.Cleanup at the start of each tick.
	CleanupEnabled bool `yaml:"cleanup_enabled" json:"cleanup_enabled"`
	// MaxTasks is the terminal-task trim threshold Queue.Cleanup enforces.
	MaxTasks int `yaml:"max_tasks" json:"max_tasks"`
}

// StorageConfig tunes the Storage Environment and Index Catalog (§3.1/§3.2).
type StorageConfig struct {
	// InitialMapSize is the starting mmap size for a freshly created
	// per-index environment, in bytes.
	InitialMapSize int `yaml:"initial_map_size" json:"initial_map_size"`
	// MaxMapSize is an upper bound on map size that Validate checks against
	// InitialMapSize; Catalog.Resize does not read it and does not cap growth.
	MaxMapSize int `yaml:"max_map_size" json:"max_map_size"`
	// CatalogCapacity is the LRU capacity of concurrently open per-index
	// environments.
	CatalogCapacity int `yaml:"catalog_capacity" json:"catalog_capacity"`
}

// EmbedderConfig is one named embedder's settings, the config-file
// equivalent of a settings payload's `embedders` entry (§4.2, §6.3).
type EmbedderConfig struct {
	Source           string `yaml:"source" json:"source"`
	Model            string `yaml:"model" json:"model"`
	DocumentTemplate string `yaml:"document_template" json:"document_template"`
}

// RankingConfig is the default ranking rule order applied when a query
// doesn't override it (§4.6.2/§4.6.3).
type RankingConfig struct {
	DefaultOrder []string `yaml:"default_order" json:"default_order"`
}

// defaultRankingOrder is the rule cascade order the original applies absent
// index-level overrides.
var defaultRankingOrder = []string{
	"words", "typo", "proximity", "attribute", "sort", "exactness",
}

// NewConfig creates a Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			MaxBatchedTasks:       1000,
			BatchedTasksSizeLimit: 2 << 30, // 2 GiB, the teacher's BatchedTasksSizeLimit magnitude
			AutobatchingEnabled:   true,
			CleanupEnabled:        true,
			MaxTasks:              100000,
		},
		Storage: StorageConfig{
			InitialMapSize:  1 << 30,  // 1 GiB
			MaxMapSize:      64 << 30, // 64 GiB
			CatalogCapacity: 20,
		},
		Embedders: map[string]EmbedderConfig{},
		Ranking: RankingConfig{
			DefaultOrder: append([]string(nil), defaultRankingOrder...),
		},
	}
}

// defaultDataDir returns the default root data directory, ~/.gokko/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".gokko", "data")
	}
	return filepath.Join(home, ".gokko", "data")
}

// GetUserConfigPath returns the path to the user/global configuration file,
// following the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/gokko/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/gokko/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gokko", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "gokko", "config.yaml")
	}
	return filepath.Join(home, ".config", "gokko", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if present.
// A nil config and nil error mean no user config exists, which is fine.
func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load loads configuration from the given directory, applying overrides in
// order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/gokko/config.yaml)
//  3. Project config (gokko.yaml in dir)
//  4. Environment variables (GOKKO_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from gokko.yaml or gokko.yml
// in dir.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, "gokko.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}
	ymlPath := filepath.Join(dir, "gokko.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}
	return nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}

	if other.Scheduler.MaxBatchedTasks != 0 {
		c.Scheduler.MaxBatchedTasks = other.Scheduler.MaxBatchedTasks
	}
	if other.Scheduler.BatchedTasksSizeLimit != 0 {
		c.Scheduler.BatchedTasksSizeLimit = other.Scheduler.BatchedTasksSizeLimit
	}
	if other.Scheduler.MaxTasks != 0 {
		c.Scheduler.MaxTasks = other.Scheduler.MaxTasks
	}
	// AutobatchingEnabled/CleanupEnabled are booleans with meaningful false
	// values; only a file that sets the enclosing struct at all should flip
	// them, so we merge unconditionally once any scheduler key is present.
	if other.Scheduler != (SchedulerConfig{}) {
		c.Scheduler.AutobatchingEnabled = other.Scheduler.AutobatchingEnabled
		c.Scheduler.CleanupEnabled = other.Scheduler.CleanupEnabled
	}

	if other.Storage.InitialMapSize != 0 {
		c.Storage.InitialMapSize = other.Storage.InitialMapSize
	}
	if other.Storage.MaxMapSize != 0 {
		c.Storage.MaxMapSize = other.Storage.MaxMapSize
	}
	if other.Storage.CatalogCapacity != 0 {
		c.Storage.CatalogCapacity = other.Storage.CatalogCapacity
	}

	for name, ec := range other.Embedders {
		if c.Embedders == nil {
			c.Embedders = map[string]EmbedderConfig{}
		}
		c.Embedders[name] = ec
	}

	if len(other.Ranking.DefaultOrder) > 0 {
		c.Ranking.DefaultOrder = other.Ranking.DefaultOrder
	}
}

// applyEnvOverrides applies GOKKO_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOKKO_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("GOKKO_MAX_BATCHED_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxBatchedTasks = n
		}
	}
	if v := os.Getenv("GOKKO_AUTOBATCHING_ENABLED"); v != "" {
		c.Scheduler.AutobatchingEnabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("GOKKO_MAX_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxTasks = n
		}
	}
	if v := os.Getenv("GOKKO_MAX_MAP_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Storage.MaxMapSize = n
		}
	}
	if v := os.Getenv("GOKKO_CATALOG_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Storage.CatalogCapacity = n
		}
	}
	// GOKKO_EMBEDDER is a single-embedder convenience override, naming the
	// provider for an embedder called "default" — an engine run from the CLI
	// with no config file still gets one working embedder.
	if v := os.Getenv("GOKKO_EMBEDDER"); v != "" {
		if c.Embedders == nil {
			c.Embedders = map[string]EmbedderConfig{}
		}
		ec := c.Embedders["default"]
		ec.Source = v
		c.Embedders["default"] = ec
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Storage.MaxMapSize > 0 && c.Storage.InitialMapSize > c.Storage.MaxMapSize {
		return fmt.Errorf("storage.initial_map_size (%d) must not exceed storage.max_map_size (%d)", c.Storage.InitialMapSize, c.Storage.MaxMapSize)
	}
	if c.Storage.CatalogCapacity <= 0 {
		return fmt.Errorf("storage.catalog_capacity must be positive, got %d", c.Storage.CatalogCapacity)
	}
	if c.Scheduler.MaxBatchedTasks <= 0 {
		return fmt.Errorf("scheduler.max_batched_tasks must be positive, got %d", c.Scheduler.MaxBatchedTasks)
	}
	for name, ec := range c.Embedders {
		if ec.Source == "" {
			return fmt.Errorf("embedders.%s.source must be set", name)
		}
		validSources := map[string]bool{"ollama": true, "mlx": true, "static": true}
		if !validSources[strings.ToLower(ec.Source)] {
			return fmt.Errorf("embedders.%s.source must be 'ollama', 'mlx', or 'static', got %s", name, ec.Source)
		}
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
