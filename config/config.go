package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete broker daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains the HTTP listener configuration.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	// MetricsEnabled exposes the Prometheus endpoint when true.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// StreamConfig contains session broker parameters.
type StreamConfig struct {
	ReadyTimeout  int `yaml:"ready_timeout"`  // seconds
	StopGrace     int `yaml:"stop_grace"`     // seconds
	QueueCapacity int `yaml:"queue_capacity"` // frames per listener
	SweepInterval int `yaml:"sweep_interval"` // seconds
}

// DispatchConfig contains the device command webhook configuration.
// An empty endpoint selects the in-process simulated dispatcher, which
// is only useful for demos and tests.
type DispatchConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// AuthConfig contains listener credential configuration.
type AuthConfig struct {
	// Tokens maps credential strings to listener identities.
	Tokens map[string]string `yaml:"tokens"`
	// AllowAllDevices grants every verified identity access to every
	// device. Deployments with a real authorization service disable this
	// and front the broker with their own IDeviceAuthorizer.
	AllowAllDevices bool `yaml:"allow_all_devices"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Address:        "0.0.0.0",
			MetricsEnabled: true,
		},
		Stream: StreamConfig{
			ReadyTimeout:  120,
			StopGrace:     0,
			QueueCapacity: 20,
			SweepInterval: 60,
		},
		Auth: AuthConfig{
			AllowAllDevices: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the HTTP listener configuration.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates the session broker configuration.
func (s *StreamConfig) Validate() error {
	if s.ReadyTimeout < 1 {
		return fmt.Errorf("ready_timeout must be at least 1 second, got %d", s.ReadyTimeout)
	}

	if s.StopGrace < 0 {
		return fmt.Errorf("stop_grace cannot be negative, got %d", s.StopGrace)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", s.QueueCapacity)
	}

	return nil
}

// Validate validates the logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of trace, debug, info, warn, error, got '%s'", l.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'text' or 'json', got '%s'", l.Format)
	}

	return nil
}
