// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/infermux/infermux/internal/common/logger"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	Link     LinkConfig           `mapstructure:"link"`
	Upstream UpstreamConfig       `mapstructure:"upstream"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the listen addresses and HTTP timeouts.
type ServerConfig struct {
	HTTPAddr     string `mapstructure:"httpAddr"`
	LinkAddr     string `mapstructure:"linkAddr"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	URL                 string `mapstructure:"url"`
	MaxConns            int    `mapstructure:"maxConns"`
	MinConns            int    `mapstructure:"minConns"`
	HealthCheckInterval int    `mapstructure:"healthCheckInterval"` // in seconds
	HealthCheckTimeout  int    `mapstructure:"healthCheckTimeout"`  // in seconds
	CacheSize           int    `mapstructure:"cacheSize"`
	CacheTTL            int    `mapstructure:"cacheTtl"` // in seconds
}

// LinkConfig holds worker link tuning.
type LinkConfig struct {
	OutboundQueueSize  int `mapstructure:"outboundQueueSize"`
	TaskInboxSize      int `mapstructure:"taskInboxSize"`
	UserChannelSize    int `mapstructure:"userChannelSize"`
	SendTimeout        int `mapstructure:"sendTimeout"`        // in seconds
	InactivityTimeout  int `mapstructure:"inactivityTimeout"`  // in seconds
	MaxMessageSizeByte int `mapstructure:"maxMessageSizeByte"` // read limit per frame
}

// UpstreamConfig holds the public forwarder's HTTP client settings.
type UpstreamConfig struct {
	ConnectTimeout int `mapstructure:"connectTimeout"` // in seconds
}

// NATSConfig holds the optional NATS event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthCheckIntervalDuration returns the health check interval as a time.Duration.
func (d *DatabaseConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(d.HealthCheckInterval) * time.Second
}

// HealthCheckTimeoutDuration returns the health check query timeout as a time.Duration.
func (d *DatabaseConfig) HealthCheckTimeoutDuration() time.Duration {
	return time.Duration(d.HealthCheckTimeout) * time.Second
}

// CacheTTLDuration returns the cache entry TTL as a time.Duration.
func (d *DatabaseConfig) CacheTTLDuration() time.Duration {
	return time.Duration(d.CacheTTL) * time.Second
}

// SendTimeoutDuration returns the outbound send timeout as a time.Duration.
func (l *LinkConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(l.SendTimeout) * time.Second
}

// InactivityTimeoutDuration returns the supervisor inactivity timeout as a time.Duration.
func (l *LinkConfig) InactivityTimeoutDuration() time.Duration {
	return time.Duration(l.InactivityTimeout) * time.Second
}

// ConnectTimeoutDuration returns the upstream connect timeout as a time.Duration.
func (u *UpstreamConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(u.ConnectTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.httpAddr", "0.0.0.0:19981")
	v.SetDefault("server.linkAddr", "0.0.0.0:19982")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not be cut off

	// Database defaults
	v.SetDefault("database.maxConns", 5)
	v.SetDefault("database.minConns", 1)
	v.SetDefault("database.healthCheckInterval", 120)
	v.SetDefault("database.healthCheckTimeout", 5)
	v.SetDefault("database.cacheSize", 100)
	v.SetDefault("database.cacheTtl", 7200)

	// Worker link defaults
	v.SetDefault("link.outboundQueueSize", 10000)
	v.SetDefault("link.taskInboxSize", 256)
	v.SetDefault("link.userChannelSize", 1024)
	v.SetDefault("link.sendTimeout", 2)
	v.SetDefault("link.inactivityTimeout", 120)
	v.SetDefault("link.maxMessageSizeByte", 1024*1024)

	// Upstream forwarder defaults
	v.SetDefault("upstream.connectTimeout", 10)

	// NATS defaults (disabled unless a URL is provided)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "infermux-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load loads the configuration from defaults, an optional config file, and
// environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads the configuration, searching the given directory for a
// config file in addition to the defaults.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("INFERMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// DATABASE_URL is the deployment contract; bind it without the prefix.
	_ = v.BindEnv("database.url", "DATABASE_URL", "INFERMUX_DATABASE_URL")
	_ = v.BindEnv("logging.level", "INFERMUX_LOG_LEVEL")
	_ = v.BindEnv("nats.url", "INFERMUX_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/infermux/")

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

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if cfg.Link.OutboundQueueSize <= 0 {
		return fmt.Errorf("link.outboundQueueSize must be positive")
	}
	if cfg.Link.TaskInboxSize <= 0 {
		return fmt.Errorf("link.taskInboxSize must be positive")
	}
	if cfg.Link.UserChannelSize <= 0 {
		return fmt.Errorf("link.userChannelSize must be positive")
	}
	return nil
}
