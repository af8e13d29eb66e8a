// Package config handles daemon configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// PortEnv overrides the listen port when set.
const PortEnv = "BROWSER_MCP_PORT"

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig  `json:"server"`
	Timeouts TimeoutConfig `json:"timeouts"`
	Logging  LoggingConfig `json:"logging"`
}

// ServerConfig defines the listener and local storage paths.
type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	DBPath string `json:"db_path,omitempty"` // event history; empty disables persistence
}

// TimeoutConfig defines the daemon's timing behaviour.
type TimeoutConfig struct {
	Keepalive    Duration `json:"keepalive"`     // client staleness cutoff
	Request      Duration `json:"request"`       // per-command deadline
	AgentConnect Duration `json:"agent_connect"` // how long Dispatch waits for an agent
	AgentPing    Duration `json:"agent_ping"`    // JSON ping interval to the agent
	CloseWindow  Duration `json:"close_window"`  // fire-and-forget close_window deadline
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9876,
		},
		Timeouts: TimeoutConfig{
			Keepalive:    Duration{60 * time.Second},
			Request:      Duration{30 * time.Second},
			AgentConnect: Duration{15 * time.Second},
			AgentPing:    Duration{25 * time.Second},
			CloseWindow:  Duration{5 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a config file, fills defaults, applies env overrides, and
// validates. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv(PortEnv); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", PortEnv, err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

func (c *Config) validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	timeouts := map[string]Duration{
		"timeouts.keepalive":     c.Timeouts.Keepalive,
		"timeouts.request":       c.Timeouts.Request,
		"timeouts.agent_connect": c.Timeouts.AgentConnect,
		"timeouts.agent_ping":    c.Timeouts.AgentPing,
		"timeouts.close_window":  c.Timeouts.CloseWindow,
	}
	for name, d := range timeouts {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}
