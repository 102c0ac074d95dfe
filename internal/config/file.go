package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for the YAML overlay. Pointer fields
// distinguish "absent" from "set to zero value".
type fileConfig struct {
	Host            *string `yaml:"host"`
	Port            *int    `yaml:"port"`
	PublicURL       *string `yaml:"public_url"`
	ProjectsDir     *string `yaml:"projects_dir"`
	ConfigDir       *string `yaml:"config_dir"`
	AgentBin        *string `yaml:"agent_bin"`
	AgentArgs       *string `yaml:"agent_args"`
	DefaultProject  *string `yaml:"default_project"`
	WatchdogTimeout *string `yaml:"watchdog_timeout"`
	CancelGrace     *string `yaml:"cancel_grace"`
	MaxAuthAttempts *int    `yaml:"max_auth_attempts"`
	GitHubToken     *string `yaml:"github_token"`
	Environment     *string `yaml:"environment"`
	LogLevel        *string `yaml:"log_level"`
}

// loadFile reads and parses the YAML overlay, expanding env vars in values.
func loadFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnvVars(string(raw))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

// applyFile copies every file value whose env var is unset. Environment
// variables always win over the file.
func (c *Config) applyFile(fc *fileConfig) error {
	overlay := func(name string, apply func()) {
		if _, ok := os.LookupEnv(envPrefix + "_" + name); !ok {
			apply()
		}
	}

	if fc.Host != nil {
		overlay("HOST", func() { c.Host = *fc.Host })
	}
	if fc.Port != nil {
		overlay("PORT", func() { c.Port = *fc.Port })
	}
	if fc.PublicURL != nil {
		overlay("PUBLIC_URL", func() { c.PublicURL = *fc.PublicURL })
	}
	if fc.ProjectsDir != nil {
		overlay("PROJECTS_DIR", func() { c.ProjectsDir = *fc.ProjectsDir })
	}
	if fc.ConfigDir != nil {
		overlay("CONFIG_DIR", func() { c.ConfigDir = *fc.ConfigDir })
	}
	if fc.AgentBin != nil {
		overlay("AGENT_BIN", func() { c.AgentBin = *fc.AgentBin })
	}
	if fc.AgentArgs != nil {
		overlay("AGENT_ARGS", func() { c.AgentArgs = *fc.AgentArgs })
	}
	if fc.DefaultProject != nil {
		overlay("DEFAULT_PROJECT", func() { c.DefaultProject = *fc.DefaultProject })
	}
	if fc.MaxAuthAttempts != nil {
		overlay("MAX_AUTH_ATTEMPTS", func() { c.MaxAuthAttempts = *fc.MaxAuthAttempts })
	}
	if fc.GitHubToken != nil {
		overlay("GITHUB_TOKEN", func() { c.GitHubToken = *fc.GitHubToken })
	}
	if fc.Environment != nil {
		overlay("ENVIRONMENT", func() { c.Environment = *fc.Environment })
	}
	if fc.LogLevel != nil {
		overlay("LOG_LEVEL", func() { c.LogLevel = *fc.LogLevel })
	}

	var err error
	if fc.WatchdogTimeout != nil {
		overlay("WATCHDOG_TIMEOUT", func() {
			var d time.Duration
			if d, err = time.ParseDuration(*fc.WatchdogTimeout); err == nil {
				c.WatchdogTimeout = d
			}
		})
	}
	if err != nil {
		return fmt.Errorf("watchdog_timeout: %w", err)
	}
	if fc.CancelGrace != nil {
		overlay("CANCEL_GRACE", func() {
			var d time.Duration
			if d, err = time.ParseDuration(*fc.CancelGrace); err == nil {
				c.CancelGrace = d
			}
		})
	}
	if err != nil {
		return fmt.Errorf("cancel_grace: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
