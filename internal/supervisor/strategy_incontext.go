package supervisor

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/util"
	"go.uber.org/zap"
)

// inContextStrategy recreates the engine inside the host process. Memory
// recovery is partial: the Go heap is reclaimed, but any growth-only
// arena the engine's own runtime keeps is not. That is a documented
// limitation of this strategy, not a bug; full recovery needs the
// isolated-process strategy.
type inContextStrategy struct {
	rootPath     string
	engineConfig engine.Config
	config       Config
	factory      engine.Factory

	mu          sync.Mutex
	engine      engine.Engine
	unsubEngine func()

	sinkMu sync.RWMutex
	sink   engine.EventSink

	ready bool

	log *zap.Logger
}

var _ Strategy = (*inContextStrategy)(nil)

func newInContextStrategy(params StrategyParams) *inContextStrategy {
	factory := params.EngineFactory
	if factory == nil {
		factory = engine.MemoryFactory
	}

	return &inContextStrategy{
		rootPath:     params.RootPath,
		engineConfig: params.EngineConfig,
		config:       params.Config,
		factory:      factory,
		log:          params.Log.Named("in-context"),
	}
}

func (s *inContextStrategy) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startEngine(ctx)
}

func (s *inContextStrategy) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ready
}

// Call dispatches directly to the live engine instance. Dispatch is
// serialized: no other call runs concurrently against the same engine.
func (s *inContextStrategy) Call(
	ctx context.Context,
	method engine.Method,
	args []any,
) (engine.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return nil, engine.ErrNotInitialized
	}

	return s.engine.Call(ctx, method, args)
}

func (s *inContextStrategy) OnEvent(sink engine.EventSink) func() {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()

	return func() {
		s.sinkMu.Lock()
		s.sink = nil
		s.sinkMu.Unlock()
	}
}

func (s *inContextStrategy) Restart(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("restarting engine in-context", zap.String("reason", reason))

	s.stopEngine(ctx)

	// hint the runtime to hand freed pages back to the OS. This is
	// best-effort: it cannot shrink the engine's own arena.
	runtime.GC()
	debug.FreeOSMemory()

	// yield briefly so deferred cleanup can run
	time.Sleep(10 * time.Millisecond)

	return s.startEngine(ctx)
}

func (s *inContextStrategy) MemoryUsage() float64 {
	mb, err := util.ProcessMemoryMB(os.Getpid())
	if err != nil {
		s.log.Warn("failed to read process memory", zap.Error(err))
		return 0
	}

	return mb
}

func (s *inContextStrategy) WorkerPID() int {
	return 0
}

func (s *inContextStrategy) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopEngine(ctx)

	return nil
}

// startEngine must be called with s.mu held.
func (s *inContextStrategy) startEngine(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancel()

	eng := s.factory(s.log)

	if err := eng.Initialize(initCtx, s.rootPath, s.engineConfig); err != nil {
		return err
	}

	s.engine = eng
	s.unsubEngine = eng.OnEvent(s.forward)
	s.ready = true

	return nil
}

// stopEngine must be called with s.mu held. A broken shutdown is logged
// rather than propagated: it must not block recovery.
func (s *inContextStrategy) stopEngine(ctx context.Context) {
	if s.engine == nil {
		return
	}

	if s.unsubEngine != nil {
		s.unsubEngine()
		s.unsubEngine = nil
	}

	closeCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.engine.Close(closeCtx); err != nil {
		s.log.Error("engine close failed", zap.Error(err))
	}

	s.engine = nil
	s.ready = false
}

func (s *inContextStrategy) forward(name string, data map[string]any) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()

	if sink != nil {
		sink(name, data)
	}
}
