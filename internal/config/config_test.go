package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ApplyPaths(t.TempDir())
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultApplication, cfg.Server.Application)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Server.ActivityWindowDuration())
	assert.Equal(t, 30*time.Second, cfg.Server.WatchdogPeriodDuration())
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout())
	assert.Equal(t, "http", cfg.Client.Transport)
	assert.Equal(t, 2, cfg.Client.PingDivisor)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestApplyPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyPaths("/var/lib/txgate")

	assert.Equal(t, "/var/lib/txgate", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/txgate", "ledger.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join("/var/lib/txgate", "txgate.log"), cfg.Logging.File)
	assert.Equal(t, "http://127.0.0.1:7420", cfg.Client.URL)

	cfg.Database.Path = "/elsewhere/ledger.db"
	cfg.ApplyPaths("/ignored")
	assert.Equal(t, "/elsewhere/ledger.db", cfg.Database.Path)
	assert.Equal(t, "/var/lib/txgate", cfg.DataDir)
}

func TestConfigString_MasksSecrets(t *testing.T) {
	cfg := validConfig(t)
	cfg.Server.SharedSecret = "0123456789abcdef-secret"
	cfg.Client.Password = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "0123456789abcdef-secret")
	assert.NotContains(t, out, "hunter2")
	assert.True(t, strings.Contains(out, `"shared_secret": "***"`))
	assert.Equal(t, "hunter2", cfg.Client.Password, "original untouched")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty application", mutate: func(c *Config) { c.Server.Application = "" }, wantErr: "application"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "port"},
		{name: "zero window", mutate: func(c *Config) { c.Server.ActivityWindow = 0 }, wantErr: "activity_window"},
		{name: "watchdog slower than window", mutate: func(c *Config) { c.Server.WatchdogPeriod = 3600 }, wantErr: "watchdog_period"},
		{name: "no workers", mutate: func(c *Config) { c.Server.AsyncWorkers = 0 }, wantErr: "async_workers"},
		{name: "short secret", mutate: func(c *Config) { c.Server.SharedSecret = "short" }, wantErr: "shared secret"},
		{name: "no database", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database"},
		{name: "bad codec", mutate: func(c *Config) { c.Client.Codec = "xml" }, wantErr: "codec"},
		{name: "bad transport", mutate: func(c *Config) { c.Client.Transport = "grpc" }, wantErr: "transport"},
		{name: "ping divisor", mutate: func(c *Config) { c.Client.PingDivisor = 0 }, wantErr: "ping_divisor"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "chatty" }, wantErr: "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
