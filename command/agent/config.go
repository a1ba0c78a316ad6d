// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	envparse "github.com/hashicorp/go-envparse"
	homedir "github.com/mitchellh/go-homedir"
)

const (
	// dbFileName is the database file inside the data directory.
	dbFileName = "personal-automator.db"

	// lockFileName guards the data directory against a second daemon.
	lockFileName = "automatord.lock"

	defaultPort    = 3000
	defaultBind    = "127.0.0.1"
	defaultDataDir = "~/.automator"
)

// Config holds the agent configuration. Defaults are overridden by an optional
// env file and then by the process environment.
type Config struct {
	// Port is the HTTP listen port (PORT).
	Port int

	// BindAddr is the HTTP listen address (AUTOMATOR_BIND_ADDR).
	BindAddr string

	// DataDir holds the database, the keystore fallback, and the process lock
	// (AUTOMATOR_DATA_DIR).
	DataDir string

	// MaxConcurrent bounds concurrent executions (AUTOMATOR_MAX_CONCURRENT).
	MaxConcurrent int

	// RetentionDays bounds execution history age (AUTOMATOR_RETENTION_DAYS).
	RetentionDays int

	// OAuthClientID and OAuthClientSecret come from OAUTH_CLIENT_ID and
	// OAUTH_CLIENT_SECRET. Their presence turns on bearer-token enforcement.
	OAuthClientID     string
	OAuthClientSecret string

	// APIToken is the bearer token accepted when auth is enforced
	// (AUTOMATOR_API_TOKEN, defaulting to the OAuth client secret).
	APIToken string

	// LogLevel is the hclog level name (AUTOMATOR_LOG_LEVEL).
	LogLevel string

	// EnableDebug exposes the pprof endpoints (AUTOMATOR_DEBUG).
	EnableDebug bool
}

// DefaultConfig returns the baseline configuration before env overrides.
func DefaultConfig() *Config {
	return &Config{
		Port:     defaultPort,
		BindAddr: defaultBind,
		DataDir:  defaultDataDir,
		LogLevel: "INFO",
	}
}

// AuthEnabled reports whether HTTP requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.OAuthClientID != "" && c.OAuthClientSecret != ""
}

// DatabasePath is the sqlite file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, dbFileName)
}

// LockPath is the process lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, lockFileName)
}

// LoadConfig builds the configuration from defaults, an optional env file, and
// the process environment, in increasing precedence.
func LoadConfig(envFile string) (*Config, error) {
	fileEnv := map[string]string{}
	if envFile != "" {
		f, err := os.Open(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open env file: %w", err)
		}
		defer f.Close()
		fileEnv, err = envparse.Parse(f)
		if err != nil {
			return nil, fmt.Errorf("failed to parse env file %s: %w", envFile, err)
		}
	}

	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileEnv[key]
	}

	cfg := DefaultConfig()
	var err error

	if v := lookup("PORT"); v != "" {
		if cfg.Port, err = strconv.Atoi(v); err != nil || cfg.Port < 1 || cfg.Port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
	}
	if v := lookup("AUTOMATOR_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := lookup("AUTOMATOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := lookup("AUTOMATOR_MAX_CONCURRENT"); v != "" {
		if cfg.MaxConcurrent, err = strconv.Atoi(v); err != nil || cfg.MaxConcurrent < 1 {
			return nil, fmt.Errorf("invalid AUTOMATOR_MAX_CONCURRENT %q", v)
		}
	}
	if v := lookup("AUTOMATOR_RETENTION_DAYS"); v != "" {
		if cfg.RetentionDays, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid AUTOMATOR_RETENTION_DAYS %q", v)
		}
	}
	cfg.OAuthClientID = lookup("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = lookup("OAUTH_CLIENT_SECRET")
	cfg.APIToken = lookup("AUTOMATOR_API_TOKEN")
	if cfg.APIToken == "" {
		cfg.APIToken = cfg.OAuthClientSecret
	}
	if v := lookup("AUTOMATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := lookup("AUTOMATOR_DEBUG"); v != "" {
		cfg.EnableDebug = v == "1" || v == "true"
	}

	if cfg.DataDir, err = homedir.Expand(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to expand data directory: %w", err)
	}
	return cfg, nil
}
