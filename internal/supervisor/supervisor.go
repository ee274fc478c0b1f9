package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/metrics"
	"go.uber.org/zap"
)

// restart trigger labels
const (
	TriggerDocsThreshold   = "threshold-docs"
	TriggerMemoryThreshold = "threshold-memory"
	TriggerManual          = "manual"
)

type Params struct {
	// RootPath is the directory the engine indexes.
	RootPath string

	// EngineConfig is passed through to every engine the strategy
	// creates, including across restarts.
	EngineConfig engine.Config

	// Config is the supervisor configuration.
	Config Config

	// EngineFactory builds in-context engines. Defaults to the
	// in-memory reference engine.
	EngineFactory engine.Factory

	// StrategyFactory is a factory function to create the restart
	// strategy. This is called once, during Initialize.
	StrategyFactory StrategyFactoryFn

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics

	// Log is the logger to use for the supervisor.
	Log *zap.Logger
}

// EngineSupervisor keeps a leaky engine usable indefinitely by
// periodically discarding and recreating its execution context, while
// presenting callers a stable API. It is explicitly constructed and
// passed around; there is no process-wide instance.
type EngineSupervisor struct {
	rootPath     string
	engineConfig engine.Config
	config       Config

	strategyFactory StrategyFactoryFn
	engineFactory   engine.Factory

	// mu makes calls and restarts mutually exclusive: calls hold the
	// read lock (and may run concurrently against the isolated-process
	// strategy), restarts and initialization hold the write lock. A
	// restart that becomes due mid-call is deferred until that call
	// settles. Close must not wait behind the write lock; it disposes
	// the strategy first, which unblocks the readers.
	mu sync.RWMutex

	strategy      Strategy
	unsubStrategy func()

	stateMu sync.Mutex
	state   State

	closed atomic.Bool

	hub     *eventHub
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(params Params) (*EngineSupervisor, error) {
	if params.Log == nil {
		params.Log = zap.NewNop()
	}

	if params.StrategyFactory == nil {
		params.StrategyFactory = defaultStrategyFactory
	}

	config := params.Config.withDefaults()

	if err := config.validate(); err != nil {
		return nil, err
	}

	log := params.Log.Named("supervisor")

	sup := &EngineSupervisor{
		rootPath:        params.RootPath,
		engineConfig:    params.EngineConfig,
		config:          config,
		strategyFactory: params.StrategyFactory,
		engineFactory:   params.EngineFactory,
		state:           State{Status: StatusIdle},
		hub:             newEventHub(log),
		metrics:         params.Metrics,
		log:             log,
	}

	// an unexpected worker exit must surface in the supervisor's own
	// state, not only in the calls it rejected
	sup.hub.Subscribe("worker:crashed", sup.workerCrashed)

	return sup, nil
}

// Initialize constructs the configured strategy and brings the engine
// up. It fails with ErrStartup if the engine does not become ready
// within the startup budget.
func (s *EngineSupervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrDisposed
	}

	if s.strategy != nil {
		return errors.New("supervisor already initialized")
	}

	s.setStatus(StatusStarting)

	strategy, err := s.strategyFactory(StrategyParams{
		RootPath:      s.rootPath,
		EngineConfig:  s.engineConfig,
		Config:        s.config,
		EngineFactory: s.engineFactory,
		Metrics:       s.metrics,
		Log:           s.log,
	})
	if err != nil {
		s.fail(err)
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancel()

	if err := strategy.Initialize(startCtx); err != nil {
		if derr := strategy.Dispose(ctx); derr != nil {
			s.log.Error("failed to dispose half-started strategy", zap.Error(derr))
		}

		err = wrapStartup(err)
		s.fail(err)
		return err
	}

	s.strategy = strategy
	s.unsubStrategy = strategy.OnEvent(s.hub.Publish)

	s.updateState(func(state *State) {
		state.Status = StatusRunning
		state.Ready = true
		state.MemoryMB = strategy.MemoryUsage()
		state.WorkerPID = strategy.WorkerPID()
		state.LastError = ""
	})

	s.log.Info("supervisor running",
		zap.String("strategy", string(s.config.Strategy)),
		zap.String("root", s.rootPath),
	)

	return nil
}

// Call forwards a method to the active strategy. Successful indexing
// calls feed the work counters; crossing a restart threshold triggers a
// restart after the call settles, before control returns to the next
// caller.
func (s *EngineSupervisor) Call(
	ctx context.Context,
	method engine.Method,
	args []any,
) (engine.Result, error) {
	if s.closed.Load() {
		return nil, ErrDisposed
	}

	result, due, reason, err := s.dispatch(ctx, method, args)
	if err != nil {
		return nil, err
	}

	if due {
		if rerr := s.restart(ctx, reason, true); rerr != nil {
			// surface the failure to the next call, not this one:
			// the work just performed did succeed
			s.log.Error("automatic restart failed", zap.Error(rerr))
		}
	}

	return result, nil
}

func (s *EngineSupervisor) dispatch(
	ctx context.Context,
	method engine.Method,
	args []any,
) (engine.Result, bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkRunning(); err != nil {
		return nil, false, "", err
	}

	start := time.Now()

	result, err := s.strategy.Call(ctx, method, args)
	if err != nil {
		s.metrics.ObserveCall(method.String(), "error", time.Since(start))
		return nil, false, "", err
	}

	s.metrics.ObserveCall(method.String(), "ok", time.Since(start))

	memory := s.strategy.MemoryUsage()
	s.metrics.SetEngineMemoryMB(memory)

	var docs int64
	if method.Indexing() {
		docs = processedCount(result)
		s.metrics.AddDocuments(docs)
	}

	var due bool
	var reason string

	s.updateState(func(state *State) {
		state.DocsSinceRestart += docs
		state.TotalDocs += docs
		state.MemoryMB = memory

		due, reason = s.restartDue(state)
	})

	return result, due, reason, nil
}

// ForceRestart triggers a restart regardless of thresholds. It is the
// way out of a degraded state after a crash or a failed restart.
func (s *EngineSupervisor) ForceRestart(ctx context.Context, reason string) error {
	if s.closed.Load() {
		return ErrDisposed
	}

	return s.restart(ctx, reason, false)
}

// OnEvent subscribes to events forwarded from the engine as well as the
// supervisor's own lifecycle events. Subscriptions persist across
// restarts. The returned function removes the subscription.
func (s *EngineSupervisor) OnEvent(name string, handler EventHandler) func() {
	return s.hub.Subscribe(name, handler)
}

// GetState returns a read-only snapshot.
func (s *EngineSupervisor) GetState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return s.state
}

func (s *EngineSupervisor) GetConfig() Config {
	return s.config
}

// Close disposes the active strategy, rejecting any in-flight calls,
// and emits a summary event. It is idempotent.
func (s *EngineSupervisor) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.setStatus(StatusStopping)

	// take the read lock, not the write lock: in-flight calls hold the
	// read lock until their work settles, and it is the dispose below
	// that settles it, rejecting them with ErrDisposed
	s.mu.RLock()
	strategy := s.strategy
	unsubscribe := s.unsubStrategy
	s.mu.RUnlock()

	if strategy != nil {
		if unsubscribe != nil {
			unsubscribe()
		}

		if err := strategy.Dispose(ctx); err != nil {
			s.log.Error("failed to dispose strategy", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.strategy = nil
	s.unsubStrategy = nil
	s.mu.Unlock()

	var totals State
	s.updateState(func(state *State) {
		state.Status = StatusStopped
		state.Ready = false
		totals = *state
	})

	s.hub.Publish("supervisor:closed", map[string]any{
		"totalDocumentsProcessed": totals.TotalDocs,
		"restartCount":            totals.RestartCount,
	})

	s.log.Info("supervisor closed",
		zap.Int64("totalDocs", totals.TotalDocs),
		zap.Int("restarts", totals.RestartCount),
	)

	return nil
}

// MARK: - restart protocol

func (s *EngineSupervisor) restart(ctx context.Context, reason string, automatic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrDisposed
	}

	if s.strategy == nil {
		return ErrNotReady
	}

	if automatic {
		// re-check under the write lock: a concurrent caller may have
		// already restarted for the same trigger
		var due bool
		s.updateState(func(state *State) {
			due, _ = s.restartDue(state)
		})
		if !due {
			return nil
		}
	}

	before := s.GetState()

	s.setStatus(StatusRestarting)

	s.hub.Publish("restart:starting", map[string]any{
		"reason":             reason,
		"documentsProcessed": before.DocsSinceRestart,
		"memoryMb":           before.MemoryMB,
	})

	start := time.Now()

	if err := s.strategy.Restart(ctx, reason); err != nil {
		err = fmt.Errorf("%w: %w", ErrRestartFailed, err)
		s.fail(err)
		return err
	}

	duration := time.Since(start)
	memoryAfter := s.strategy.MemoryUsage()

	var after State
	s.updateState(func(state *State) {
		state.DocsSinceRestart = 0
		state.RestartCount++
		now := time.Now()
		state.LastRestartAt = &now
		state.MemoryMB = memoryAfter
		state.WorkerPID = s.strategy.WorkerPID()
		state.Status = StatusRunning
		state.Ready = true
		state.LastError = ""
		after = *state
	})

	s.metrics.ObserveRestart(triggerLabel(reason), duration)

	s.hub.Publish("restart:completed", map[string]any{
		"restartCount":   after.RestartCount,
		"durationMs":     duration.Milliseconds(),
		"memoryBeforeMb": before.MemoryMB,
		"memoryAfterMb":  memoryAfter,
	})

	s.log.Info("engine restarted",
		zap.String("reason", reason),
		zap.Duration("duration", duration),
		zap.Float64("memoryBeforeMb", before.MemoryMB),
		zap.Float64("memoryAfterMb", memoryAfter),
	)

	return nil
}

// restartDue must be called with the state lock held via updateState.
func (s *EngineSupervisor) restartDue(state *State) (bool, string) {
	if s.config.Strategy == StrategyDisabled {
		return false, ""
	}

	if t := s.config.RestartThreshold; t > 0 && state.DocsSinceRestart >= int64(t) {
		return true, TriggerDocsThreshold
	}

	if t := s.config.MemoryThresholdMB; t > 0 && state.MemoryMB >= t {
		return true, TriggerMemoryThreshold
	}

	return false, ""
}

// MARK: - state helpers

func (s *EngineSupervisor) checkRunning() error {
	state := s.GetState()

	switch state.Status {
	case StatusRunning:
		return nil
	case StatusDegraded:
		return fmt.Errorf("%w: degraded: %s", ErrNotReady, state.LastError)
	default:
		return fmt.Errorf("%w: status %s", ErrNotReady, state.Status)
	}
}

func (s *EngineSupervisor) updateState(fn func(state *State)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	fn(&s.state)
}

func (s *EngineSupervisor) setStatus(status Status) {
	s.updateState(func(state *State) {
		state.Status = status
	})
}

// workerCrashed degrades the supervisor when the strategy reports an
// unexpected worker exit. Calls are rejected with ErrNotReady until an
// explicit restart brings a fresh worker up.
func (s *EngineSupervisor) workerCrashed(data map[string]any) {
	if s.closed.Load() {
		return
	}

	exit, _ := data["exit"].(string)
	s.fail(fmt.Errorf("%w: %s", ErrWorkerCrashed, exit))

	s.log.Error("worker crashed, supervisor degraded", zap.String("exit", exit))
}

func (s *EngineSupervisor) fail(err error) {
	s.updateState(func(state *State) {
		state.Status = StatusDegraded
		state.Ready = false
		state.LastError = err.Error()
	})
}

func triggerLabel(reason string) string {
	switch reason {
	case TriggerDocsThreshold, TriggerMemoryThreshold:
		return reason
	default:
		return TriggerManual
	}
}

func wrapStartup(err error) error {
	if errors.Is(err, ErrStartup) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrStartup, err)
}

func processedCount(result engine.Result) int64 {
	if result == nil {
		return 0
	}

	switch n := result["processed"].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
