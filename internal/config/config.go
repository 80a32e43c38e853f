// Package config loads oakd's configuration into a single explicit value.
//
// Design Notes §9 requires this daemon to avoid the teacher's module-level
// settings singleton (sync.Once + package globals): dependencies must be
// resolvable without a global lookup so tests can stand up an isolated
// DaemonState per run. Load returns a plain Config value; callers thread it
// through constructors from one composition root (cmd/oakd/main.go ->
// internal/daemon.New). The file-lookup precedence and default file content
// below are otherwise the same idiom the teacher used.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration for one daemon
// instance.
type Config struct {
	ProjectRoot string `yaml:"-"`

	DataDir        string `yaml:"data_dir"`
	DBPath         string `yaml:"db_path"`
	VectorDir      string `yaml:"vector_dir"`
	LogPath        string `yaml:"log_path"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	Port           int    `yaml:"port"`

	EmbeddingEndpoint  string `yaml:"embedding_endpoint"`
	EmbeddingDimension int    `yaml:"embedding_dimension"`
	SummarizerEndpoint string `yaml:"summarizer_endpoint"`

	ObservationConfidenceFloor float64       `yaml:"observation_confidence_floor"`
	ToolOutputSummaryBudget    int           `yaml:"tool_output_summary_budget"`
	ToolInputPreserveBudget    int           `yaml:"tool_input_preserve_budget"`
	ActivityBufferThreshold    int           `yaml:"activity_buffer_threshold"`
	DedupeCacheSize            int           `yaml:"dedupe_cache_size"`

	RecoveryInterval      time.Duration `yaml:"-"`
	StuckBatchTimeout     time.Duration `yaml:"-"`
	StaleSessionTimeout   time.Duration `yaml:"-"`
	EmbedTimeout          time.Duration `yaml:"-"`
	SummarizeTimeout      time.Duration `yaml:"-"`
	MaxProcessorRetries   int           `yaml:"max_processor_retries"`

	BearerToken string `yaml:"-"`
}

// Default returns the configuration defaults (§4.3, §4.6, §4.7, §6).
// Fields with a yaml key are overridable by a config file; the paths, port,
// endpoints and bearer token also by environment variables. The timeouts
// and the recovery cadence have no yaml key and keep these values.
func Default(projectRoot string) Config {
	return Config{
		ProjectRoot: projectRoot,

		LogMaxSizeMB:  50,
		LogMaxBackups: 5,

		EmbeddingDimension: 768,

		ObservationConfidenceFloor: 0.7,
		ToolOutputSummaryBudget:    2048,
		ToolInputPreserveBudget:    8192,
		ActivityBufferThreshold:    10,
		DedupeCacheSize:            1000,

		RecoveryInterval:    60 * time.Second,
		StuckBatchTimeout:   5 * time.Minute,
		StaleSessionTimeout: time.Hour,
		EmbedTimeout:        10 * time.Second,
		SummarizeTimeout:    30 * time.Second,
		MaxProcessorRetries: 5,
	}
}

// fileLookupOrder mirrors the teacher's documented precedence: user config,
// then /etc, then a project-local file, first one found wins.
func fileLookupOrder(projectRoot string) []string {
	var out []string
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "oakd", "config.yaml"))
	}
	out = append(out, filepath.Join(string(os.PathSeparator), "etc", "oakd", "config.yaml"))
	if projectRoot != "" {
		out = append(out, filepath.Join(projectRoot, ".oak", "config.yaml"))
	}
	return out
}

// Load resolves configuration in precedence order: CLI override (highest,
// applied by the caller after Load returns), environment variables, the
// first config file found in fileLookupOrder, then defaults.
func Load(projectRoot string) (Config, error) {
	cfg := Default(projectRoot)

	for _, path := range fileLookupOrder(projectRoot) {
		fileCfg, err := loadFile(path)
		if err == nil {
			mergeFile(&cfg, fileCfg)
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir(projectRoot)
		if err != nil {
			return Config{}, fmt.Errorf("resolve default data dir: %w", err)
		}
		cfg.DataDir = dir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "oakd.db")
	}
	if cfg.VectorDir == "" {
		cfg.VectorDir = filepath.Join(cfg.DataDir, "vectors")
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.DataDir, "oakd.log")
	}
	if cfg.Port == 0 {
		cfg.Port = DerivePort(projectRoot)
	}
	if cfg.BearerToken == "" {
		token, err := mintBearerToken()
		if err != nil {
			return Config{}, fmt.Errorf("mint bearer token: %w", err)
		}
		cfg.BearerToken = token
	}

	if err := EnsureDataDir(cfg.DataDir); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, file Config) {
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.VectorDir != "" {
		cfg.VectorDir = file.VectorDir
	}
	if file.LogPath != "" {
		cfg.LogPath = file.LogPath
	}
	if file.LogMaxSizeMB > 0 {
		cfg.LogMaxSizeMB = file.LogMaxSizeMB
	}
	if file.LogMaxBackups > 0 {
		cfg.LogMaxBackups = file.LogMaxBackups
	}
	if file.Port > 0 {
		cfg.Port = file.Port
	}
	if file.EmbeddingEndpoint != "" {
		cfg.EmbeddingEndpoint = file.EmbeddingEndpoint
	}
	if file.EmbeddingDimension > 0 {
		cfg.EmbeddingDimension = file.EmbeddingDimension
	}
	if file.SummarizerEndpoint != "" {
		cfg.SummarizerEndpoint = file.SummarizerEndpoint
	}
	if file.ObservationConfidenceFloor > 0 {
		cfg.ObservationConfidenceFloor = file.ObservationConfidenceFloor
	}
	if file.ToolOutputSummaryBudget > 0 {
		cfg.ToolOutputSummaryBudget = file.ToolOutputSummaryBudget
	}
	if file.ToolInputPreserveBudget > 0 {
		cfg.ToolInputPreserveBudget = file.ToolInputPreserveBudget
	}
	if file.ActivityBufferThreshold > 0 {
		cfg.ActivityBufferThreshold = file.ActivityBufferThreshold
	}
	if file.DedupeCacheSize > 0 {
		cfg.DedupeCacheSize = file.DedupeCacheSize
	}
	if file.MaxProcessorRetries > 0 {
		cfg.MaxProcessorRetries = file.MaxProcessorRetries
	}
}

func loadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// applyEnv overlays OAKD_* environment variables, same precedence tier the
// teacher gave VYBE_DB_PATH over the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OAKD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OAKD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OAKD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("OAKD_EMBEDDING_ENDPOINT"); v != "" {
		cfg.EmbeddingEndpoint = v
	}
	if v := os.Getenv("OAKD_SUMMARIZER_ENDPOINT"); v != "" {
		cfg.SummarizerEndpoint = v
	}
	if v := os.Getenv("OAKD_BEARER_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
}

// DefaultDataDir returns <project_root>/.oak/data, falling back to
// ~/.config/oakd/default when no project root is known.
func DefaultDataDir(projectRoot string) (string, error) {
	if projectRoot != "" {
		return filepath.Join(projectRoot, ".oak", "data"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "oakd", "default"), nil
}

// EnsureDataDir creates the data directory if missing. It writes no config
// file.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}
