package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "backlog.json", cfg.Backlog)
	assert.Equal(t, 50, cfg.MaxIterations)
	assert.Equal(t, "process", cfg.Agent.Backend)
	assert.Equal(t, 30, cfg.Prompt.TailLines)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))

	content := `
backlog: stories.json
max_iterations: 10
sleep: 1s
agent:
  backend: ollama
  model: qwen3
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ProjectConfigFilename), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "stories.json", cfg.Backlog)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, Duration(time.Second), cfg.Sleep)
	assert.Equal(t, "ollama", cfg.Agent.Backend)
	assert.Equal(t, "qwen3", cfg.Agent.Model)
	// Untouched settings keep their defaults.
	assert.Equal(t, "copilot", cfg.Agent.Bin)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ProjectConfigFilename), []byte("{not yaml"), 0644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero iterations", mutate: func(c *Config) { c.MaxIterations = 0 }, wantErr: true},
		{name: "negative sleep", mutate: func(c *Config) { c.Sleep = Duration(-time.Second) }, wantErr: true},
		{name: "empty backlog", mutate: func(c *Config) { c.Backlog = "" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Agent.Backend = "punchcards" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
