// Package config loads the rootwatch YAML configuration, validates it
// against an embedded JSON Schema and builds the runtime registries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/rootwatch/internal/probe"
	"github.com/ppiankov/rootwatch/internal/strategy"
)

// Backoff parameterizes the adaptation backoff.
type Backoff struct {
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter float64       `yaml:"jitter"`
}

// Audit locates the local audit log.
type Audit struct {
	Path string `yaml:"path"`
}

// Checkpoint locates the SQLite checkpoint store.
type Checkpoint struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// Mirror configures the remote audit mirror. An empty endpoint disables it.
type Mirror struct {
	Endpoint   string            `yaml:"endpoint"`
	Source     string            `yaml:"source"`
	Headers    map[string]string `yaml:"headers"`
	MaxRetries int               `yaml:"max_retries"`
	QueueSize  int               `yaml:"queue_size"`
	Timeout    time.Duration     `yaml:"timeout"`
}

// Action is an external executable as written in configuration.
type Action struct {
	Path           string            `yaml:"path"`
	Args           []string          `yaml:"args"`
	Env            []string          `yaml:"env"`
	Dir            string            `yaml:"dir"`
	Timeout        time.Duration     `yaml:"timeout"`
	FatalExitCodes []int             `yaml:"fatal_exit_codes"`
	ExitCodes      map[int]string    `yaml:"exit_codes"`
	OutputPatterns map[string]string `yaml:"output_patterns"`
}

// Config holds every engine parameter.
type Config struct {
	MaxAttempts                int           `yaml:"max_attempts"`
	MaxRestarts                int           `yaml:"max_restarts"`
	StallLimit                 int           `yaml:"stall_limit"`
	TierDenialsBeforeExclusion int           `yaml:"tier_denials_before_exclusion"`
	MaxRiskTier                int           `yaml:"max_risk_tier"`
	ProbeTimeout               time.Duration `yaml:"probe_timeout"`
	StrategyTimeout            time.Duration `yaml:"strategy_timeout"`
	ReprobeDelay               time.Duration `yaml:"reprobe_delay"`
	ProbeRoot                  string        `yaml:"probe_root"`

	Backoff    Backoff    `yaml:"backoff"`
	Audit      Audit      `yaml:"audit"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	StopFile   string     `yaml:"stop_file"`
	Mirror     Mirror     `yaml:"mirror"`

	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	Probes     []probe.Spec      `yaml:"probes"`
	Actions    map[string]Action `yaml:"actions"`
	Strategies []strategy.Spec   `yaml:"strategies"`
}

// Dir returns the rootwatch state directory (~/.rootwatch). It falls back
// to the working directory when no home directory is available.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rootwatch"
	}
	return filepath.Join(home, ".rootwatch")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		MaxAttempts:                100,
		MaxRestarts:                3,
		StallLimit:                 3,
		TierDenialsBeforeExclusion: 2,
		MaxRiskTier:                strategy.MaxTier,
		ProbeTimeout:               probe.DefaultTimeout,
		StrategyTimeout:            2 * time.Minute,
		ReprobeDelay:               2 * time.Second,
		Backoff: Backoff{
			Base:   2 * time.Second,
			Cap:    60 * time.Second,
			Jitter: 0.2,
		},
		Audit:      Audit{Path: filepath.Join(dir, "audit.jsonl")},
		Checkpoint: Checkpoint{Path: filepath.Join(dir, "checkpoint.db")},
		StopFile:   filepath.Join(dir, "STOP"),
		Mirror: Mirror{
			MaxRetries: 5,
			QueueSize:  1024,
			Timeout:    10 * time.Second,
		},
		Probes:  probe.DefaultSpecs(),
		Actions: map[string]Action{},
	}
}

// Load reads configuration from a YAML file.
// Empty path falls back to ~/.rootwatch/config.yaml.
// A missing file returns defaults. The document is schema-checked before it
// is decoded over the defaults, then validated semantically.
func Load(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	if errs := ValidateSchema(data); len(errs) > 0 {
		return nil, errs
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}
