// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/errs"
	"sessionvault/internal/models"
	"sessionvault/internal/retention"
)

const (
	// EnvPrefix prefixes every environment override, e.g. SESSIONVAULT_CHECKPOINT_INTERVAL.
	EnvPrefix = "SESSIONVAULT_"

	// FileName is the config file looked up inside the data directory.
	FileName = "config.yaml"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

var sections = map[string]bool{
	"checkpoint": true,
	"retention":  true,
	"handoff":    true,
	"log":        true,
	"workspace":  true,
	"metrics":    true,
}

// Config holds all sessionvault configuration.
type Config struct {
	DataDir    string           `koanf:"data_dir" yaml:"data_dir" validate:"required"`
	Checkpoint CheckpointConfig `koanf:"checkpoint" yaml:"checkpoint"`
	Retention  RetentionConfig  `koanf:"retention" yaml:"retention"`
	Handoff    HandoffConfig    `koanf:"handoff" yaml:"handoff"`
	Log        LogConfig        `koanf:"log" yaml:"log"`
	Workspace  WorkspaceConfig  `koanf:"workspace" yaml:"workspace"`
	Metrics    MetricsConfig    `koanf:"metrics" yaml:"metrics"`
}

// CheckpointConfig controls checkpoint creation and automatic triggers.
type CheckpointConfig struct {
	Interval            Duration `koanf:"interval" yaml:"interval" validate:"gt=0"`
	FileChangeThreshold int      `koanf:"file_change_threshold" yaml:"file_change_threshold" validate:"gte=1"`
	PollInterval        Duration `koanf:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	EmergencyBudget     Duration `koanf:"emergency_budget" yaml:"emergency_budget" validate:"gt=0"`
	CompressionLevel    int      `koanf:"compression_level" yaml:"compression_level" validate:"gte=1,lte=22"`
	SnapshotConcurrency int      `koanf:"snapshot_concurrency" yaml:"snapshot_concurrency" validate:"gte=1,lte=64"`
}

// RetentionConfig controls pruning.
type RetentionConfig struct {
	KeepAllWithin   Duration `koanf:"keep_all_within" yaml:"keep_all_within" validate:"gt=0"`
	DailyWithin     Duration `koanf:"daily_within" yaml:"daily_within" validate:"gtefield=KeepAllWithin"`
	WeeklyWithin    Duration `koanf:"weekly_within" yaml:"weekly_within" validate:"gtefield=DailyWithin"`
	EmergencyWindow Duration `koanf:"emergency_window" yaml:"emergency_window" validate:"gt=0"`
	MaxCheckpoints  int      `koanf:"max_checkpoints" yaml:"max_checkpoints" validate:"gte=1"`
	MaxBytes        int64    `koanf:"max_bytes" yaml:"max_bytes" validate:"gt=0"`
	HighWater       float64  `koanf:"high_water" yaml:"high_water" validate:"gt=0,lte=1"`
	CriticalWater   float64  `koanf:"critical_water" yaml:"critical_water" validate:"gtefield=HighWater,lte=1"`
	PruneInterval   Duration `koanf:"prune_interval" yaml:"prune_interval" validate:"gt=0"`
}

// HandoffConfig bounds session handoff.
type HandoffConfig struct {
	Budget Duration `koanf:"budget" yaml:"budget" validate:"gt=0"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=json console"`
}

// WorkspaceConfig names the tree whose files are snapshotted and watched.
type WorkspaceConfig struct {
	Root    string   `koanf:"root" yaml:"root" validate:"required"`
	Exclude []string `koanf:"exclude" yaml:"exclude" validate:"dive,required"`
	Git     bool     `koanf:"git" yaml:"git"`
}

// MetricsConfig enables the Prometheus endpoint of the daemon. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration for a data directory.
func Default(dataDir string) *Config {
	cp := checkpoint.DefaultConfig()
	policy := retention.DefaultPolicy()
	return &Config{
		DataDir: dataDir,
		Checkpoint: CheckpointConfig{
			Interval:            Duration(cp.Interval),
			FileChangeThreshold: cp.FileChangeThreshold,
			PollInterval:        Duration(cp.PollInterval),
			EmergencyBudget:     Duration(cp.EmergencyBudget),
			CompressionLevel:    3,
			SnapshotConcurrency: cp.SnapshotConcurrency,
		},
		Retention: RetentionConfig{
			KeepAllWithin:   Duration(policy.KeepAllWithin),
			DailyWithin:     Duration(policy.DailyWithin),
			WeeklyWithin:    Duration(policy.WeeklyWithin),
			EmergencyWindow: Duration(policy.EmergencyWindow),
			MaxCheckpoints:  policy.MaxCheckpoints,
			MaxBytes:        policy.MaxBytes,
			HighWater:       policy.HighWater,
			CriticalWater:   policy.CriticalWater,
			PruneInterval:   Duration(time.Hour),
		},
		Handoff: HandoffConfig{Budget: Duration(5 * time.Second)},
		Log:     LogConfig{Level: "info", Format: "console"},
		Workspace: WorkspaceConfig{
			Root:    ".",
			Exclude: []string{},
			Git:     true,
		},
	}
}

// DefaultDataDir returns ~/.sessionvault, or $SESSIONVAULT_DATA_DIR when set.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sessionvault"), nil
}

// Load resolves configuration with this precedence (highest first):
//  1. Environment variables (SESSIONVAULT_CHECKPOINT_INTERVAL -> checkpoint.interval)
//  2. The YAML file at configPath, or <data dir>/config.yaml when configPath is empty
//  3. Built-in defaults
//
// An explicit configPath must exist; the default one is optional. The data directory
// is created and the workspace root made absolute.
func Load(configPath string) (*Config, error) {
	dataDir, err := DefaultDataDir()
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	defaults, err := yaml.Marshal(Default(dataDir))
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(dataDir, FileName)
	}
	content, err := readConfigFile(configPath)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	return &cfg, nil
}

// envKey maps SESSIONVAULT_RETENTION_MAX_BYTES to retention.max_bytes and
// SESSIONVAULT_DATA_DIR to data_dir.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 2 && sections[parts[0]] {
		return parts[0] + "." + parts[1]
	}
	return key
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config file %s is not a regular file", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return io.ReadAll(f)
}

func (c *Config) resolvePaths() error {
	for _, p := range []*string{&c.DataDir, &c.Workspace.Root} {
		if *p == "" {
			continue
		}
		expanded, err := expandHome(*p)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints and reports all violations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, violation(fe))
	}
	return errs.NewValidationError(violations...)
}

func violation(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s must satisfy %s", field, fe.Tag())
}

// WriteDefault writes the built-in configuration as YAML to path, refusing to
// overwrite an existing file.
func WriteDefault(path string, dataDir string) error {
	raw, err := yaml.Marshal(Default(dataDir))
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write config file: %w", err)
	}
	return f.Close()
}

// CheckpointSettings returns the checkpoint manager settings.
func (c *Config) CheckpointSettings() checkpoint.Config {
	cfg := checkpoint.DefaultConfig()
	cfg.Interval = c.Checkpoint.Interval.Duration()
	cfg.FileChangeThreshold = c.Checkpoint.FileChangeThreshold
	cfg.PollInterval = c.Checkpoint.PollInterval.Duration()
	cfg.EmergencyBudget = c.Checkpoint.EmergencyBudget.Duration()
	cfg.SnapshotConcurrency = c.Checkpoint.SnapshotConcurrency

	days := int(c.Retention.EmergencyWindow.Duration() / (24 * time.Hour))
	cfg.RetentionDays = map[models.Type]int{
		models.TypeAuto:      int(c.Retention.WeeklyWithin.Duration() / (24 * time.Hour)),
		models.TypeManual:    0,
		models.TypeEmergency: days,
		models.TypeRecovery:  days,
	}
	return cfg
}

// RetentionPolicy returns the retention service policy.
func (c *Config) RetentionPolicy() retention.Policy {
	return retention.Policy{
		KeepAllWithin:   c.Retention.KeepAllWithin.Duration(),
		DailyWithin:     c.Retention.DailyWithin.Duration(),
		WeeklyWithin:    c.Retention.WeeklyWithin.Duration(),
		EmergencyWindow: c.Retention.EmergencyWindow.Duration(),
		MaxCheckpoints:  c.Retention.MaxCheckpoints,
		MaxBytes:        c.Retention.MaxBytes,
		HighWater:       c.Retention.HighWater,
		CriticalWater:   c.Retention.CriticalWater,
	}
}

// StorageDir is where checkpoint records, blobs and the catalog live.
func (c *Config) StorageDir() string {
	return filepath.Join(c.DataDir, "checkpoints")
}

// ProgressPath is the persisted live progress state.
func (c *Config) ProgressPath() string {
	return filepath.Join(c.DataDir, "progress.json")
}
