// Package config loads server configuration from environment variables,
// optionally overlaid with a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envPrefix is prepended to every variable name, e.g. CLAUDE_REMOTE_PORT.
const envPrefix = "CLAUDE_REMOTE"

// Config holds all application configuration.
type Config struct {
	// HTTP listener
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"3001"`

	// PublicURL is the externally reachable base URL (scheme://host[:port]).
	// Used in pairing URLs and push notification payloads.
	PublicURL string `envconfig:"PUBLIC_URL"`

	// ProjectsDir is scanned for project directories. A leading ~ expands
	// to the user's home directory.
	ProjectsDir string `envconfig:"PROJECTS_DIR" default:"~/projects"`

	// ConfigDir holds identity, device, conversation and push state.
	// Empty means the OS user config dir (e.g. ~/.config/claude-remote).
	ConfigDir string `envconfig:"CONFIG_DIR"`

	// Agent subprocess
	AgentBin       string `envconfig:"AGENT_BIN" default:"claude"`
	AgentArgs      string `envconfig:"AGENT_ARGS"` // extra args, space-separated
	DefaultProject string `envconfig:"DEFAULT_PROJECT"`

	// Job lifecycle
	WatchdogTimeout time.Duration `envconfig:"WATCHDOG_TIMEOUT" default:"10s"`
	CancelGrace     time.Duration `envconfig:"CANCEL_GRACE" default:"5s"`

	// Auth
	MaxAuthAttempts int    `envconfig:"MAX_AUTH_ATTEMPTS" default:"5"`
	InitialPin      string `envconfig:"INITIAL_PIN"`
	ForceNewPairing bool   `envconfig:"FORCE_NEW_PAIRING"`

	// GitHubToken enables pull request lookups for project branches.
	GitHubToken string `envconfig:"GITHUB_TOKEN"`

	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// ConfigFile points at an optional YAML overlay, applied for every
	// field whose environment variable is unset.
	ConfigFile string `envconfig:"CONFIG_FILE"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// AgentArgList returns the extra agent arguments split on whitespace.
func (c *Config) AgentArgList() []string {
	return strings.Fields(c.AgentArgs)
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.AgentBin == "" {
		return fmt.Errorf("agent binary not configured")
	}
	if c.WatchdogTimeout <= 0 {
		return fmt.Errorf("watchdog timeout must be positive, got %s", c.WatchdogTimeout)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel grace must be positive, got %s", c.CancelGrace)
	}
	if c.MaxAuthAttempts < 1 {
		return fmt.Errorf("max auth attempts must be at least 1, got %d", c.MaxAuthAttempts)
	}
	return nil
}

// Load reads configuration from environment variables, then overlays the
// YAML file (if configured) for fields without an explicit env var.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.ConfigFile != "" {
		fc, err := loadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyFile(fc); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfg.ConfigFile, err)
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandPaths resolves a leading ~ in directory settings.
func (c *Config) expandPaths() error {
	for _, dir := range []*string{&c.ProjectsDir, &c.ConfigDir} {
		if *dir == "" || !strings.HasPrefix(*dir, "~") {
			continue
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("expanding %s: %w", *dir, err)
		}
		*dir = filepath.Join(home, strings.TrimPrefix(*dir, "~"))
	}
	return nil
}
