// Package config provides configuration management for Coterie.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Coterie.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Database DatabaseConfig `mapstructure:"database"`
	Bus      BusConfig      `mapstructure:"bus"`
	Poll     PollConfig     `mapstructure:"poll"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Personas PersonasConfig `mapstructure:"personas"`
	Launcher LauncherConfig `mapstructure:"launcher"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ReadTimeout int    `mapstructure:"readTimeout"` // in seconds
	// WriteTimeout of 0 keeps long-poll responses from being cut off mid-wait.
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig holds persistence configuration. Driver selects the backend:
// "sqlite" (default, file-based) or "postgres" (DSN required).
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"` // sqlite file path
	DSN           string `mapstructure:"dsn"`  // postgres connection string
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"`
	MaxConns      int    `mapstructure:"maxConns"` // postgres only
	MinConns      int    `mapstructure:"minConns"` // postgres only
}

// BusConfig holds event bus tuning.
type BusConfig struct {
	// SubscriberBuffer is the default per-subscription buffer capacity.
	// 0 means unbounded; publishers block while a bounded buffer is full.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// PollConfig bounds long-poll operations (task claim, memory waits).
type PollConfig struct {
	DefaultTimeoutSecs int `mapstructure:"defaultTimeoutSecs"`
	MaxTimeoutSecs     int `mapstructure:"maxTimeoutSecs"`
}

// NATSConfig configures the optional outbound event mirror.
// An empty URL disables the bridge; coordination never depends on it.
type NATSConfig struct {
	URL               string `mapstructure:"url"`
	SubjectPrefix     string `mapstructure:"subjectPrefix"`
	MaxReconnects     int    `mapstructure:"maxReconnects"`
	ReconnectWaitSecs int    `mapstructure:"reconnectWaitSecs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PersonasConfig points at an optional directory of persona definition files
// that override the embedded defaults.
type PersonasConfig struct {
	Dir string `mapstructure:"dir"`
}

// LauncherConfig describes how agent child processes are spawned.
// Command empty disables launching (agents must register themselves).
type LauncherConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	LogDir  string   `mapstructure:"logDir"` // per-agent output logs; empty uses the workspace
	// YoloFlag is appended when a launch asks to skip the agent CLI's
	// confirmation prompts. Empty means the CLI has no such flag.
	YoloFlag string `mapstructure:"yoloFlag"`
}

// WorktreeConfig holds git worktree settings for agent workspace isolation.
type WorktreeConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BasePath     string `mapstructure:"basePath"`
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeout returns the default long-poll window.
func (p *PollConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSecs) * time.Second
}

// MaxTimeout returns the long-poll ceiling.
func (p *PollConfig) MaxTimeout() time.Duration {
	return time.Duration(p.MaxTimeoutSecs) * time.Second
}

// ReconnectWait returns the NATS reconnect backoff.
func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSecs) * time.Second
}

// detectDefaultLogFormat returns "json" in hosted environments and "text"
// for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COTERIE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8421)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 8422)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./coterie.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("bus.subscriberBuffer", 256)

	v.SetDefault("poll.defaultTimeoutSecs", 30)
	v.SetDefault("poll.maxTimeoutSecs", 300)

	// NATS defaults - empty URL means no outbound mirror
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "coterie")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.reconnectWaitSecs", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("personas.dir", "")

	v.SetDefault("launcher.command", "")
	v.SetDefault("launcher.args", []string{})
	v.SetDefault("launcher.logDir", "")
	v.SetDefault("launcher.yoloFlag", "")

	v.SetDefault("worktree.enabled", false)
	v.SetDefault("worktree.basePath", "~/.coterie/worktrees")
	v.SetDefault("worktree.branchPrefix", "coterie/")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COTERIE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/coterie/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COTERIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars,
	// so bind the commonly overridden ones explicitly.
	_ = v.BindEnv("database.driver", "COTERIE_DB_DRIVER")
	_ = v.BindEnv("database.path", "COTERIE_DB_PATH")
	_ = v.BindEnv("database.dsn", "COTERIE_DB_DSN")
	_ = v.BindEnv("mcp.port", "COTERIE_MCP_PORT")
	_ = v.BindEnv("personas.dir", "COTERIE_PERSONAS_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coterie/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that the loaded configuration is internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported database.driver: %s", cfg.Database.Driver))
	}

	if cfg.Bus.SubscriberBuffer < 0 {
		errs = append(errs, "bus.subscriberBuffer must be >= 0")
	}

	if cfg.Poll.DefaultTimeoutSecs <= 0 {
		errs = append(errs, "poll.defaultTimeoutSecs must be positive")
	}
	if cfg.Poll.MaxTimeoutSecs < cfg.Poll.DefaultTimeoutSecs {
		errs = append(errs, "poll.maxTimeoutSecs must be >= poll.defaultTimeoutSecs")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
