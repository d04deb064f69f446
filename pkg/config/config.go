// Package config provides configuration loading and validation for the
// story loop, plus encrypted secrets handling. Settings come from
// defaults, an optional YAML file, and flag overrides applied by the
// caller, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Project config constants.
const (
	ProjectConfigDir      = ".storyloop"
	ProjectConfigFilename = "config.yaml"
)

// Duration wraps time.Duration so YAML values can be written as "300ms"
// or "30m" strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// AgentConfig selects and parameterizes the agent backend.
type AgentConfig struct {
	Backend      string   `yaml:"backend"`       // process, anthropic, openai, ollama, gemini
	Bin          string   `yaml:"bin"`           // agent CLI binary for the process backend
	Model        string   `yaml:"model"`
	Host         string   `yaml:"host"`          // ollama host URL
	AllowProfile string   `yaml:"allow_profile"` // safe, dev, locked, yolo
	AllowTools   []string `yaml:"allow_tools"`
	DenyTools    []string `yaml:"deny_tools"`
	Timeout      Duration `yaml:"timeout"`
}

// PromptConfig controls instruction assembly.
type PromptConfig struct {
	PrefixFile      string `yaml:"prefix_file"`       // prepended verbatim; auto-detected when empty
	NoDefaultPrefix bool   `yaml:"no_default_prefix"` // disable prefix auto-detection
	TailLines       int    `yaml:"tail_lines"`        // progress ledger tail size
	MaxTailTokens   int    `yaml:"max_tail_tokens"`   // token clamp on tails, 0 disables
}

// Config is the full loop configuration.
type Config struct {
	Backlog         string       `yaml:"backlog"`
	Progress        string       `yaml:"progress"`
	State           string       `yaml:"state"`
	HistoryDB       string       `yaml:"history_db"`
	MaxIterations   int          `yaml:"max_iterations"`
	Sleep           Duration     `yaml:"sleep"`
	CompletionToken string       `yaml:"completion_token"`
	AllowDirty      bool         `yaml:"allow_dirty"`
	MetricsAddr     string       `yaml:"metrics_addr"` // empty disables the listener
	Agent           AgentConfig  `yaml:"agent"`
	Prompt          PromptConfig `yaml:"prompt"`
}

// DefaultConfig returns the baseline settings before file and flag
// overrides.
func DefaultConfig() *Config {
	return &Config{
		Backlog:       "backlog.json",
		Progress:      filepath.Join(ProjectConfigDir, "progress.log"),
		State:         filepath.Join(ProjectConfigDir, "state.json"),
		HistoryDB:     filepath.Join(ProjectConfigDir, "history.db"),
		MaxIterations: 50,
		Sleep:         Duration(300 * time.Millisecond),
		Agent: AgentConfig{
			Backend: "process",
			Bin:     "copilot",
			Model:   "claude-haiku-4.5",
			Host:    "http://localhost:11434",
			Timeout: Duration(30 * time.Minute),
		},
		Prompt: PromptConfig{
			TailLines: 30,
		},
	}
}

// Load returns defaults merged with the project config file if one
// exists under projectDir. A missing file is not an error.
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail deep inside the
// loop.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.Sleep < 0 {
		return fmt.Errorf("sleep must not be negative, got %s", time.Duration(c.Sleep))
	}
	if c.Backlog == "" {
		return fmt.Errorf("backlog path must not be empty")
	}
	switch c.Agent.Backend {
	case "process", "anthropic", "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("unknown agent backend %q", c.Agent.Backend)
	}
	if c.Prompt.TailLines < 0 {
		return fmt.Errorf("tail_lines must not be negative, got %d", c.Prompt.TailLines)
	}
	return nil
}
