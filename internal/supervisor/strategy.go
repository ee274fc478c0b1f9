package supervisor

import (
	"context"
	"fmt"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/metrics"
	"go.uber.org/zap"
)

// Strategy is the polymorphic mechanism by which the engine's execution
// context is discarded and recreated. Implementations must end Restart
// either fully ready or with an error; there is no in-between.
type Strategy interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Call(ctx context.Context, method engine.Method, args []any) (engine.Result, error)

	// OnEvent wires the engine's event stream to the supervisor. The
	// subscription survives internal engine or worker replacement.
	OnEvent(sink engine.EventSink) func()

	Restart(ctx context.Context, reason string) error
	MemoryUsage() float64

	// WorkerPID returns the worker process id, or 0 for strategies
	// that do not run a separate process.
	WorkerPID() int

	Dispose(ctx context.Context) error
}

// StrategyParams carries everything a strategy needs to build and
// rebuild engines.
type StrategyParams struct {
	RootPath     string
	EngineConfig engine.Config
	Config       Config

	// EngineFactory builds in-context engines. Ignored by the
	// isolated-process strategy, whose engines live in the worker.
	EngineFactory engine.Factory

	Metrics *metrics.Metrics

	Log *zap.Logger
}

type StrategyFactoryFn func(params StrategyParams) (Strategy, error)

func defaultStrategyFactory(params StrategyParams) (Strategy, error) {
	switch params.Config.Strategy {
	case StrategyInContext, StrategyDisabled:
		return newInContextStrategy(params), nil
	case StrategyIsolatedProcess:
		return newProcessStrategy(params), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind: %q", params.Config.Strategy)
	}
}
