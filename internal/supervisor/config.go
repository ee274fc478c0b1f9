package supervisor

import (
	"fmt"
	"time"

	"github.com/stokerd/stoker/internal/worker"
)

// StrategyKind selects how the engine's execution context is discarded
// and recreated.
type StrategyKind string

const (
	// StrategyInContext recreates the engine inside the host process.
	// Cheap, but memory recovery is partial.
	StrategyInContext StrategyKind = "in-context"

	// StrategyIsolatedProcess recreates the engine inside a freshly
	// spawned worker process. Expensive, but process teardown returns
	// all of its memory to the operating system.
	StrategyIsolatedProcess StrategyKind = "isolated-process"

	// StrategyDisabled runs the engine in-context and never restarts
	// it automatically. ForceRestart still works.
	StrategyDisabled StrategyKind = "disabled"
)

// Config controls the supervisor. It is immutable after construction.
type Config struct {
	// Strategy selects the restart strategy.
	Strategy StrategyKind `conf:"strategy"`

	// RestartThreshold is the number of processed documents after
	// which the engine is restarted. 0 disables count-based restarts.
	RestartThreshold int `conf:"restart_threshold"`

	// MemoryThresholdMB is the engine memory figure above which the
	// engine is restarted. 0 disables memory-based restarts.
	MemoryThresholdMB float64 `conf:"memory_threshold_mb"`

	// StartupTimeout bounds engine and worker startup.
	StartupTimeout time.Duration `conf:"startup_timeout"`

	// ShutdownTimeout bounds graceful shutdown before force-kill.
	ShutdownTimeout time.Duration `conf:"shutdown_timeout"`

	// CallTimeout bounds a single call against the worker.
	CallTimeout time.Duration `conf:"call_timeout"`

	// PingInterval is how often the isolated-process strategy pings
	// its worker to refresh liveness and memory figures.
	PingInterval time.Duration `conf:"ping_interval"`

	// Worker overrides the spawned worker command. When empty, the
	// current executable is re-run with the worker subcommand.
	Worker worker.StartConfig `conf:"worker"`
}

const (
	DefaultRestartThreshold  = 5000
	DefaultMemoryThresholdMB = 4096
	DefaultStartupTimeout    = 120 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultCallTimeout       = 300 * time.Second
	DefaultPingInterval      = 30 * time.Second
)

// withDefaults fills in zero values so directly constructed configs
// behave like parsed ones.
func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyInContext
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	return c
}

func (c Config) validate() error {
	switch c.Strategy {
	case StrategyInContext, StrategyIsolatedProcess, StrategyDisabled:
		return nil
	default:
		return fmt.Errorf("unknown strategy kind: %q", c.Strategy)
	}
}
