// Package config loads and validates formsync configuration from YAML with
// environment variable expansion and optional .env files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Forms   FormsConfig   `yaml:"forms"`
	Export  ExportConfig  `yaml:"export"`
	Sheets  SheetsConfig  `yaml:"sheets"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	AdminToken   string        `yaml:"admin_token,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `yaml:"idle_timeout,omitempty"`
}

// StoreConfig represents submission store configuration
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database path, ":memory:" for ephemeral
}

// FormsConfig represents form definition loading configuration
type FormsConfig struct {
	Dir   string `yaml:"dir"`   // directory of form definition YAML files
	Watch bool   `yaml:"watch"` // hot-reload definitions on change
}

// ExportConfig represents tabular export configuration
type ExportConfig struct {
	NARep                 string `yaml:"na_rep,omitempty"`
	GroupDelimiter        string `yaml:"group_delimiter,omitempty"` // "/" or "."
	RemoveGroupName       bool   `yaml:"remove_group_name"`
	SplitSelectMultiples  *bool  `yaml:"split_select_multiples,omitempty"`
	BinarySelectMultiples bool   `yaml:"binary_select_multiples"`
	IncludeLabels         bool   `yaml:"include_labels"`
	IncludeLabelsOnly     bool   `yaml:"include_labels_only"`
}

// SheetsConfig represents spreadsheet synchronization configuration
type SheetsConfig struct {
	BaseURL      string         `yaml:"base_url,omitempty"`
	AccessToken  string         `yaml:"access_token,omitempty"`
	TokenFile    string         `yaml:"token_file,omitempty"`
	RatePerSec   float64        `yaml:"rate_per_sec,omitempty"`
	Retry        RetryConfig    `yaml:"retry,omitempty"`
	Bindings     []SheetBinding `yaml:"bindings,omitempty"`
	SyncInterval time.Duration  `yaml:"sync_interval,omitempty"` // periodic full re-sync
}

// SheetBinding ties a form to a remote spreadsheet document.
type SheetBinding struct {
	Name          string `yaml:"name"`
	FormID        string `yaml:"form_id"`
	SpreadsheetID string `yaml:"spreadsheet_id,omitempty"` // empty means create on first sync
	Append        bool   `yaml:"append"`                   // append new rows instead of rewriting
}

// RetryConfig represents retry/backoff tuning for transient failures.
type RetryConfig struct {
	Mode       string        `yaml:"mode,omitempty"` // fixed|linear|exponential
	Initial    time.Duration `yaml:"initial,omitempty"`
	Max        time.Duration `yaml:"max,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

// EventsConfig represents NATS event bus configuration
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`
	Stream  string `yaml:"stream,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists; absence is not an error.
	loadEnvFiles()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "formsync.db"
	}
	if c.Forms.Dir == "" {
		c.Forms.Dir = "./forms"
	}
	if c.Export.NARep == "" {
		c.Export.NARep = "n/a"
	}
	if c.Export.GroupDelimiter == "" {
		c.Export.GroupDelimiter = "/"
	}
	if c.Export.SplitSelectMultiples == nil {
		split := true
		c.Export.SplitSelectMultiples = &split
	}
	if c.Sheets.BaseURL == "" {
		c.Sheets.BaseURL = "https://sheets.googleapis.com/v4"
	}
	if c.Sheets.RatePerSec == 0 {
		c.Sheets.RatePerSec = 1
	}
	if c.Sheets.SyncInterval == 0 {
		c.Sheets.SyncInterval = 15 * time.Minute
	}
	if c.Events.URL == "" {
		c.Events.URL = "nats://127.0.0.1:4222"
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "FORMSYNC"
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "formsync.submissions"
	}
	c.Logging.Level = string(NormalizeLogLevel(c.Logging.Level))
	c.Logging.Format = string(NormalizeLogFormat(c.Logging.Format))
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Export.GroupDelimiter != "/" && c.Export.GroupDelimiter != "." {
		return fmt.Errorf("export.group_delimiter must be \"/\" or \".\", got %q", c.Export.GroupDelimiter)
	}
	seen := make(map[string]bool, len(c.Sheets.Bindings))
	for i, b := range c.Sheets.Bindings {
		if b.Name == "" {
			return fmt.Errorf("sheets.bindings[%d]: name is required", i)
		}
		if b.FormID == "" {
			return fmt.Errorf("sheets.bindings[%d]: form_id is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("sheets.bindings[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}
