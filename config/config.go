package config

import (
	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/server"
	"github.com/stokerd/stoker/internal/supervisor"
	"github.com/stokerd/stoker/util/conf"
)

// EnvPrefix is the prefix for environment variables, e.g.
// STOKER_SUPERVISOR__RESTART_THRESHOLD.
const EnvPrefix = "STOKER_"

type Config struct {
	// LogLevel is the log level for the application
	LogLevel string `conf:"log_level"`

	// LogFormat is the log format for the application
	LogFormat string `conf:"log_format"`

	// RootPath is the directory tree the engine indexes
	RootPath string `conf:"root_path"`

	// Engine is the configuration passed to every engine instance
	Engine engine.Config `conf:"engine"`

	// Supervisor is the supervisor configuration
	Supervisor supervisor.Config `conf:"supervisor"`

	// Server is the http server configuration for the daemon
	Server server.HttpConfig `conf:"server"`
}

var DefaultConfig = func() conf.DefaultConfig {
	defaults := conf.DefaultConfig{
		"log_level":  "info",
		"log_format": "production",
		"root_path":  ".",
	}

	supervisorDefaults := conf.MergeDefaults("supervisor", conf.DefaultConfig{
		"strategy":            string(supervisor.StrategyInContext),
		"restart_threshold":   supervisor.DefaultRestartThreshold,
		"memory_threshold_mb": float64(supervisor.DefaultMemoryThresholdMB),
		"startup_timeout":     supervisor.DefaultStartupTimeout.String(),
		"shutdown_timeout":    supervisor.DefaultShutdownTimeout.String(),
		"call_timeout":        supervisor.DefaultCallTimeout.String(),
		"ping_interval":       supervisor.DefaultPingInterval.String(),
	})

	serverDefaults := conf.MergeDefaults("server", conf.DefaultConfig{
		"host": "localhost",
		"port": 8080,
		"h2c":  false,
	})

	for k, v := range supervisorDefaults {
		defaults[k] = v
	}
	for k, v := range serverDefaults {
		defaults[k] = v
	}

	return defaults
}()
