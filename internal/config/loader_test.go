package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, DefaultPort, cfg.Server.Port)
		assert.NotEmpty(t, cfg.Database.Path)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "txgate.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"server": {"application": "payroll", "port": 9000, "activity_window": 120},
			"database": {"path": "/tmp/payroll.db"},
			"data_dir": "`+dir+`"
		}`), 0600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "payroll", cfg.Server.Application)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 120, cfg.Server.ActivityWindow)
		assert.Equal(t, 30, cfg.Server.WatchdogPeriod, "unset keys keep defaults")
		assert.Equal(t, "/tmp/payroll.db", cfg.Database.Path)
		assert.Equal(t, filepath.Join(dir, "txgate.log"), cfg.Logging.File)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "txgate.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"server": {"port": 9000}}`), 0600))
		t.Setenv("TXGATE_SERVER_PORT", "9100")
		t.Setenv("TXGATE_CLIENT_CODEC", "cbor")

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, "cbor", cfg.Client.Codec)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "txgate.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "txgate.json")

	cfg := validConfig(t)
	cfg.Server.Port = 9300
	cfg.Server.SharedSecret = "0123456789abcdef"
	cfg.Client.User = "alice"

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9300, loaded.Server.Port)
	assert.Equal(t, "0123456789abcdef", loaded.Server.SharedSecret)
	assert.Equal(t, "alice", loaded.Client.User)
	assert.Equal(t, cfg.Database.Path, loaded.Database.Path)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/txgate.json", NewLoader("/etc/txgate.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".txgate", "txgate.json"), NewLoader("").GetConfigPath())
}
