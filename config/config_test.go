package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stokerd/stoker/config"
	"github.com/stokerd/stoker/internal/supervisor"
	"github.com/stokerd/stoker/util/conf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, opt conf.ParseOptions) config.Config {
	t.Helper()

	opt.Defaults = config.DefaultConfig
	opt.EnvPrefix = config.EnvPrefix

	cfg, err := conf.Parse[config.Config](opt)
	require.NoError(t, err)

	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := parse(t, conf.ParseOptions{})

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "production", cfg.LogFormat)
	assert.Equal(t, ".", cfg.RootPath)

	assert.Equal(t, supervisor.StrategyInContext, cfg.Supervisor.Strategy)
	assert.Equal(t, supervisor.DefaultRestartThreshold, cfg.Supervisor.RestartThreshold)
	assert.Equal(t, float64(supervisor.DefaultMemoryThresholdMB), cfg.Supervisor.MemoryThresholdMB)
	assert.Equal(t, supervisor.DefaultStartupTimeout, cfg.Supervisor.StartupTimeout)
	assert.Equal(t, supervisor.DefaultCallTimeout, cfg.Supervisor.CallTimeout)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.H2c)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("STOKER_LOG_LEVEL", "debug")
	t.Setenv("STOKER_SUPERVISOR__STRATEGY", "isolated-process")
	t.Setenv("STOKER_SUPERVISOR__RESTART_THRESHOLD", "500")
	t.Setenv("STOKER_SUPERVISOR__CALL_TIMEOUT", "45s")
	t.Setenv("STOKER_SERVER__PORT", "9999")

	cfg := parse(t, conf.ParseOptions{})

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, supervisor.StrategyIsolatedProcess, cfg.Supervisor.Strategy)
	assert.Equal(t, 500, cfg.Supervisor.RestartThreshold)
	assert.Equal(t, 45*time.Second, cfg.Supervisor.CallTimeout)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestFileOverridesDefaultsButNotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"root_path": "/data/corpus",
		"log_level": "warn",
		"supervisor": {
			"restart_threshold": 100
		},
		"engine": {
			"name": "corpus",
			"case_sensitive": true
		}
	}`), 0o644))

	t.Setenv("STOKER_LOG_LEVEL", "debug")

	cfg := parse(t, conf.ParseOptions{FileName: path})

	assert.Equal(t, "/data/corpus", cfg.RootPath)
	assert.Equal(t, 100, cfg.Supervisor.RestartThreshold)
	assert.Equal(t, "corpus", cfg.Engine.Name)
	assert.True(t, cfg.Engine.CaseSensitive)

	// env wins over the file
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestDotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"STOKER_ROOT_PATH=/srv/docs\nSTOKER_SUPERVISOR__MEMORY_THRESHOLD_MB=512\n",
	), 0o644))

	cfg := parse(t, conf.ParseOptions{DotenvFile: path})

	assert.Equal(t, "/srv/docs", cfg.RootPath)
	assert.Equal(t, float64(512), cfg.Supervisor.MemoryThresholdMB)
}
