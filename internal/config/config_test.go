package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerg-platform/zerg-core/internal/config"
)

func TestLoad_MissingFileUsesDefaultsAndFlagsInit(t *testing.T) {
	t.Setenv("ZERGCORE_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.NeedsInit)
	require.Equal(t, "127.0.0.1:18080", cfg.BindAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.True(t, filepath.IsAbs(cfg.DBPath))
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZERGCORE_HOME", home)
	require.NoError(t, os.WriteFile(config.ConfigPath(home), []byte(`
bind_addr: "0.0.0.0:9000"
log_level: "debug"
retention_run_events_days: 30
`), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.False(t, cfg.NeedsInit)
	require.Equal(t, "0.0.0.0:9000", cfg.BindAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 30, cfg.RetentionRunEventsDays)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZERGCORE_HOME", home)
	t.Setenv("ZERGCORE_BIND_ADDR", "127.0.0.1:7777")
	require.NoError(t, os.WriteFile(config.ConfigPath(home), []byte(`bind_addr: "0.0.0.0:9000"`), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.BindAddr)
}

func TestLoad_RelativeDBPathResolvesUnderHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ZERGCORE_HOME", home)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "zergcore.db"), cfg.DBPath)
}

func TestRetentionWindow_DisabledWhenZero(t *testing.T) {
	cfg := config.Config{RetentionRunEventsDays: 0}
	_, ok := cfg.RetentionWindow(time.Now())
	require.False(t, ok)
}

func TestRetentionWindow_ReturnsCutoffWhenEnabled(t *testing.T) {
	cfg := config.Config{RetentionRunEventsDays: 7}
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cutoff, ok := cfg.RetentionWindow(now)
	require.True(t, ok)
	require.Equal(t, now.AddDate(0, 0, -7), cutoff)
}
