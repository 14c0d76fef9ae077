package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

const (
	DefaultApplication = "ledger"
	DefaultPort        = 7420
)

// Config represents the main txgate configuration
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Database DatabaseConfig `json:"database" mapstructure:"database"`
	Client   ClientConfig   `json:"client" mapstructure:"client"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds dispatcher and transport settings
type ServerConfig struct {
	Application    string `json:"application" mapstructure:"application"`
	Host           string `json:"host" mapstructure:"host"`
	Port           int    `json:"port" mapstructure:"port"`
	ActivityWindow int    `json:"activity_window" mapstructure:"activity_window"` // seconds
	WatchdogPeriod int    `json:"watchdog_period" mapstructure:"watchdog_period"` // seconds
	AsyncWorkers   int    `json:"async_workers" mapstructure:"async_workers"`
	AsyncQueueSize int    `json:"async_queue_size" mapstructure:"async_queue_size"`
	SharedSecret   string `json:"shared_secret" mapstructure:"shared_secret"`

	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
	ShutdownTimeout   int `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// DatabaseConfig holds ledger database settings
type DatabaseConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	MaxOpenConns  int    `json:"max_open_conns" mapstructure:"max_open_conns"`
	BusyTimeoutMS int    `json:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
	LargeBalance  int64  `json:"large_balance" mapstructure:"large_balance"`
}

// ClientConfig holds settings for the CLI's client commands
type ClientConfig struct {
	URL               string `json:"url" mapstructure:"url"`
	Transport         string `json:"transport" mapstructure:"transport"` // http, ws
	Codec             string `json:"codec" mapstructure:"codec"`         // json, cbor
	User              string `json:"user" mapstructure:"user"`
	Password          string `json:"password" mapstructure:"password"`
	PingDivisor       int    `json:"ping_divisor" mapstructure:"ping_divisor"`
	ReconnectAttempts int    `json:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	Timeout           int    `json:"timeout" mapstructure:"timeout"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Application:       DefaultApplication,
			Host:              "127.0.0.1",
			Port:              DefaultPort,
			ActivityWindow:    600,
			WatchdogPeriod:    30,
			AsyncWorkers:      4,
			AsyncQueueSize:    1024,
			RequestsPerMinute: 600,
			MaxConcurrent:     16,
			ShutdownTimeout:   10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:  64,
			BusyTimeoutMS: 5000,
		},
		Client: ClientConfig{
			Transport:         "http",
			Codec:             "json",
			PingDivisor:       2,
			ReconnectAttempts: 5,
			Timeout:           30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// ApplyPaths fills paths left empty with locations under dataDir.
func (c *Config) ApplyPaths(dataDir string) {
	if c.DataDir == "" {
		c.DataDir = dataDir
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "txgate.log")
	}
	if c.Client.URL == "" {
		c.Client.URL = "http://" + c.Server.Addr()
	}
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ActivityWindowDuration returns the session eviction window.
func (s ServerConfig) ActivityWindowDuration() time.Duration {
	return time.Duration(s.ActivityWindow) * time.Second
}

// WatchdogPeriodDuration returns the time between watchdog sweeps.
func (s ServerConfig) WatchdogPeriodDuration() time.Duration {
	return time.Duration(s.WatchdogPeriod) * time.Second
}

// ShutdownTimeoutDuration returns how long shutdown waits for in-flight requests.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// BusyTimeout returns the sqlite busy timeout.
func (d DatabaseConfig) BusyTimeout() time.Duration {
	return time.Duration(d.BusyTimeoutMS) * time.Millisecond
}

// TimeoutDuration returns the per-request client timeout.
func (c ClientConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Server.SharedSecret != "" {
		masked.Server.SharedSecret = "***"
	}
	if masked.Client.Password != "" {
		masked.Client.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid and returns the first problem found.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
