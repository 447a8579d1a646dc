// Package config loads the application configuration from environment
// variables and the custom actions file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vibesapp/vibes/paths"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8080
	DefaultAgentCommand   = "vibe-acp"
	DefaultTaskWorkers    = 3
	DefaultPermissionSecs = 300
	DefaultDisconnectSecs = 60
)

// Config holds the application configuration.
type Config struct {
	Host   string
	Port   int
	DBPath string
	Debug  bool

	// AgentCommand is the ACP agent command line.
	AgentCommand string

	// AgentDebug enables raw wire logging for the agent session.
	AgentDebug bool

	PermissionTimeout time.Duration
	DisconnectGrace   time.Duration

	// ActionsPath is the custom actions YAML file.
	ActionsPath string

	TaskWorkers int
}

// Load reads configuration from the environment, falling back to the
// XDG-resolved default paths for the database and actions file.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              envString("VIBES_HOST", DefaultHost),
		Debug:             envBool("VIBES_DEBUG"),
		AgentCommand:      envString("VIBES_ACP_AGENT", DefaultAgentCommand),
		AgentDebug:        envBool("VIBES_ACP_DEBUG"),
		PermissionTimeout: time.Duration(envInt("VIBES_PERMISSION_TIMEOUT_SECS", DefaultPermissionSecs)) * time.Second,
		DisconnectGrace:   time.Duration(envInt("VIBES_DISCONNECT_GRACE_SECS", DefaultDisconnectSecs)) * time.Second,
		TaskWorkers:       envInt("VIBES_TASK_WORKERS", DefaultTaskWorkers),
	}

	cfg.Port = envInt("VIBES_PORT", DefaultPort)
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid VIBES_PORT %d", cfg.Port)
	}

	cfg.DBPath = os.Getenv("VIBES_DB_PATH")
	if cfg.DBPath == "" {
		path, err := paths.DatabasePath()
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		cfg.DBPath = path
	}

	cfg.ActionsPath = os.Getenv("VIBES_ACTIONS_PATH")
	if cfg.ActionsPath == "" {
		path, err := paths.ActionsFilePath()
		if err != nil {
			return nil, fmt.Errorf("resolve actions path: %w", err)
		}
		cfg.ActionsPath = path
	}

	return cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
