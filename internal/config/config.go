// Package config models ticketflow.yml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	TicketsDir string `yaml:"tickets_dir"`

	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`

	Watch struct {
		DebounceMS int `yaml:"debounce_ms"`
	} `yaml:"watch"`

	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`

	Enrichment struct {
		AgentURL          string `yaml:"agent_url"`
		Token             string `yaml:"token"`
		Tool              string `yaml:"tool"`
		AgentID           string `yaml:"agent_id"`
		Cleanup           string `yaml:"cleanup"`
		RunTimeoutSeconds int    `yaml:"run_timeout_seconds"`

		RetryCeiling             int `yaml:"retry_ceiling"`
		RetryDelaySeconds        int `yaml:"retry_delay_seconds"`
		AgeWindowMinutes         int `yaml:"age_window_minutes"`
		SuppressionWindowMinutes int `yaml:"suppression_window_minutes"`
		ReconcileAfterMinutes    int `yaml:"reconcile_after_minutes"`
	} `yaml:"enrichment"`
}

// Default returns a Config with sensible defaults for a local workspace.
func Default() *Config {
	var cfg Config
	cfg.TicketsDir = "tickets"
	cfg.Server.Addr = ":8410"
	cfg.Server.BasePath = "/api/v1"
	cfg.Watch.DebounceMS = 300
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(".ticketflow", "journal.db")
	cfg.Enrichment.Tool = "enrich-ticket"
	cfg.Enrichment.AgentID = "ticket-enricher"
	cfg.Enrichment.Cleanup = "delete"
	cfg.Enrichment.RunTimeoutSeconds = 600
	cfg.Enrichment.RetryCeiling = 3
	cfg.Enrichment.RetryDelaySeconds = 5
	cfg.Enrichment.AgeWindowMinutes = 5
	cfg.Enrichment.SuppressionWindowMinutes = 10
	cfg.Enrichment.ReconcileAfterMinutes = 10
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ticketflow.yml")
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields absent
// from the YAML keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.TicketsDir == "" {
		return fmt.Errorf("config.tickets_dir is required")
	}
	if c.Watch.DebounceMS < 0 {
		return fmt.Errorf("config.watch.debounce_ms must not be negative")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("config.journal.path is required when the journal is enabled")
	}
	e := c.Enrichment
	if e.RetryCeiling < 0 || e.RetryDelaySeconds < 0 {
		return fmt.Errorf("config.enrichment retry settings must not be negative")
	}
	if e.AgeWindowMinutes < 0 || e.SuppressionWindowMinutes < 0 || e.ReconcileAfterMinutes < 0 {
		return fmt.Errorf("config.enrichment window settings must not be negative")
	}
	return nil
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Enrichment.RetryDelaySeconds) * time.Second
}

func (c *Config) AgeWindow() time.Duration {
	return time.Duration(c.Enrichment.AgeWindowMinutes) * time.Minute
}

func (c *Config) SuppressionWindow() time.Duration {
	return time.Duration(c.Enrichment.SuppressionWindowMinutes) * time.Minute
}

func (c *Config) ReconcileAfter() time.Duration {
	return time.Duration(c.Enrichment.ReconcileAfterMinutes) * time.Minute
}

func (c *Config) AgentRunTimeout() time.Duration {
	return time.Duration(c.Enrichment.RunTimeoutSeconds) * time.Second
}
