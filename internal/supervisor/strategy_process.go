package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/metrics"
	"github.com/stokerd/stoker/internal/protocol"
	"github.com/stokerd/stoker/internal/worker"
	"go.uber.org/zap"
)

// processStrategy recreates the engine inside a freshly spawned worker
// process. The old worker's exit guarantees complete memory release by
// the operating system, which is the entire reason this strategy exists.
type processStrategy struct {
	rootPath     string
	engineConfig engine.Config
	config       Config

	pending *pendingTable

	sinkMu sync.RWMutex
	sink   engine.EventSink

	// mu guards the worker connection lifecycle: spawn, restart,
	// dispose. Calls only snapshot the live connection.
	mu       sync.Mutex
	conn     *workerConn
	disposed bool

	ready atomic.Bool
	memMB atomic.Uint64 // float64 bits

	metrics *metrics.Metrics
	log     *zap.Logger
}

var _ Strategy = (*processStrategy)(nil)

// workerConn is one incarnation of the worker process with its protocol
// plumbing. A restart discards the whole struct and builds a new one.
type workerConn struct {
	proc   *worker.Process
	writer *protocol.Writer

	// readyCh receives ready envelopes during the two-phase handshake.
	readyCh chan protocol.Envelope

	// expectedExit is set once shutdown has been requested, so the
	// exit watcher can tell a crash from an ordered stop.
	expectedExit atomic.Bool

	// fatal records a fatal error reported by the worker, surfaced by
	// the startup handshake.
	fatal atomic.Pointer[string]

	stopPing chan struct{}
}

func newProcessStrategy(params StrategyParams) *processStrategy {
	s := &processStrategy{
		rootPath:     params.RootPath,
		engineConfig: params.EngineConfig,
		config:       params.Config,
		metrics:      params.Metrics,
		log:          params.Log.Named("isolated-process"),
	}

	s.pending = newPendingTable(func(n int) {
		s.metrics.SetPendingCalls(n)
	})

	return s
}

func (s *processStrategy) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}

	conn, err := s.spawn(ctx)
	if err != nil {
		return err
	}

	s.conn = conn

	return nil
}

func (s *processStrategy) Ready() bool {
	return s.ready.Load()
}

func (s *processStrategy) Call(
	ctx context.Context,
	method engine.Method,
	args []any,
) (engine.Result, error) {
	if !s.ready.Load() {
		return nil, ErrNotReady
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil, ErrNotReady
	}

	id := protocol.NewCallID()
	call := s.pending.add(id, method.String(), s.config.CallTimeout)

	if err := conn.writer.Write(protocol.Envelope{
		Type:   protocol.TypeCall,
		ID:     id,
		Method: method.String(),
		Args:   args,
	}); err != nil {
		s.pending.remove(id)
		return nil, fmt.Errorf("failed to send call %s (id %s): %w", method, id, err)
	}

	select {
	case outcome := <-call.done:
		return outcome.value, outcome.err
	case <-ctx.Done():
		// the worker may still answer; a late result with no pending
		// entry is discarded by the read loop
		s.pending.remove(id)
		return nil, ctx.Err()
	}
}

func (s *processStrategy) OnEvent(sink engine.EventSink) func() {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()

	return func() {
		s.sinkMu.Lock()
		s.sink = nil
		s.sinkMu.Unlock()
	}
}

func (s *processStrategy) Restart(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrDisposed
	}

	s.log.Info("restarting worker process", zap.String("reason", reason))

	s.stopWorker()

	conn, err := s.spawn(ctx)
	if err != nil {
		return err
	}

	s.conn = conn

	return nil
}

func (s *processStrategy) MemoryUsage() float64 {
	return math.Float64frombits(s.memMB.Load())
}

func (s *processStrategy) WorkerPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0
	}

	return s.conn.proc.Pid()
}

func (s *processStrategy) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}

	s.disposed = true
	s.stopWorker()
	s.pending.failAll(ErrDisposed)

	return nil
}

// MARK: - worker lifecycle

// spawn starts a worker process and performs the two-phase handshake:
// a first ready once the process booted, then init, then a second ready
// once the engine inside it is constructed. Must be called with s.mu
// held.
func (s *processStrategy) spawn(ctx context.Context) (*workerConn, error) {
	config := s.config.Worker
	if config.Cmd == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot locate own executable: %w", ErrStartup, err)
		}
		config = worker.StartConfig{Cmd: exe, Args: []string{"worker"}}
	}

	proc, err := worker.Start(config, s.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}

	conn := &workerConn{
		proc:     proc,
		writer:   protocol.NewWriter(proc.StdinPipe()),
		readyCh:  make(chan protocol.Envelope, 2),
		stopPing: make(chan struct{}),
	}

	go s.readLoop(conn)
	go s.stderrLoop(conn)
	go s.watchExit(conn)

	if err := s.handshake(ctx, conn); err != nil {
		// force-terminate the half-started worker
		conn.expectedExit.Store(true)
		_ = proc.Kill(s.config.ShutdownTimeout)
		return nil, err
	}

	go s.pingLoop(conn)

	s.ready.Store(true)

	s.log.Info("worker ready", zap.Int("pid", proc.Pid()))

	return conn, nil
}

func (s *processStrategy) handshake(ctx context.Context, conn *workerConn) error {
	deadline := time.NewTimer(s.config.StartupTimeout)
	defer deadline.Stop()

	// phase one: the worker process is up
	if err := s.awaitReady(ctx, conn, deadline.C, "boot"); err != nil {
		return err
	}

	configJSON, err := json.Marshal(s.engineConfig)
	if err != nil {
		return fmt.Errorf("%w: failed to encode engine config: %w", ErrStartup, err)
	}

	if err := conn.writer.Write(protocol.Envelope{
		Type:     protocol.TypeInit,
		ID:       protocol.NewCallID(),
		RootPath: s.rootPath,
		Config:   configJSON,
	}); err != nil {
		return fmt.Errorf("%w: failed to send init: %w", ErrStartup, err)
	}

	// phase two: the engine inside the worker is constructed
	return s.awaitReady(ctx, conn, deadline.C, "init")
}

func (s *processStrategy) awaitReady(
	ctx context.Context,
	conn *workerConn,
	deadline <-chan time.Time,
	phase string,
) error {
	select {
	case env := <-conn.readyCh:
		if env.MemoryUsageMB > 0 {
			s.memMB.Store(math.Float64bits(env.MemoryUsageMB))
		}
		return nil
	case <-conn.proc.Done():
		if msg := conn.fatal.Load(); msg != nil {
			return fmt.Errorf("%w: worker reported fatal error during %s: %s", ErrStartup, phase, *msg)
		}
		return fmt.Errorf("%w: worker exited during %s: %s", ErrStartup, phase, conn.proc.Exit())
	case <-deadline:
		return fmt.Errorf("%w: worker not ready within %s (%s)", ErrStartup, s.config.StartupTimeout, phase)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStartup, ctx.Err())
	}
}

// stopWorker performs the ordered shutdown handshake, force-killing the
// worker if it does not exit in time. Must be called with s.mu held.
func (s *processStrategy) stopWorker() {
	conn := s.conn
	if conn == nil {
		return
	}

	s.ready.Store(false)
	s.conn = nil

	conn.expectedExit.Store(true)
	close(conn.stopPing)

	// ordered shutdown first: the worker acknowledges with
	// shuttingDown, closes its engine and exits on its own
	if err := conn.writer.Write(protocol.Envelope{
		Type: protocol.TypeShutdown,
		ID:   protocol.NewCallID(),
	}); err != nil {
		s.log.Debug("failed to send shutdown", zap.Error(err))
	}

	if err := conn.proc.WaitExit(s.config.ShutdownTimeout); err != nil {
		s.log.Warn("worker did not exit in time, killing it",
			zap.Int("pid", conn.proc.Pid()),
		)

		if err := conn.proc.Kill(s.config.ShutdownTimeout); err != nil {
			s.log.Error("failed to kill worker", zap.Error(err))
		}
	}
}

// MARK: - worker plumbing

func (s *processStrategy) readLoop(conn *workerConn) {
	reader := protocol.NewReader(conn.proc.StdoutPipe())

	for {
		env, err := reader.Read()
		if errors.Is(err, protocol.ErrMalformedLine) {
			// a stray diagnostic line must not take down the pipe
			s.log.Warn("discarding malformed line", zap.Error(err))
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("worker stdout closed", zap.Error(err))
			}
			return
		}

		s.dispatch(conn, env)
	}
}

func (s *processStrategy) dispatch(conn *workerConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeReady:
		select {
		case conn.readyCh <- env:
		default:
			s.log.Warn("discarding unexpected ready")
		}

	case protocol.TypeResult:
		s.settle(env)

	case protocol.TypeEvent:
		s.forward(env.Name, env.Data)

	case protocol.TypeMemoryReport:
		s.memMB.Store(math.Float64bits(env.MemoryUsageMB))
		s.metrics.SetEngineMemoryMB(env.MemoryUsageMB)

	case protocol.TypePong:
		s.log.Debug("pong", zap.String("id", env.ID))

	case protocol.TypeFatalError:
		s.log.Error("worker reported fatal error",
			zap.String("message", env.Message),
			zap.Bool("fatal", env.Fatal),
		)
		if env.Fatal {
			msg := env.Message
			conn.fatal.Store(&msg)
		}

	case protocol.TypeShuttingDown:
		conn.expectedExit.Store(true)

	default:
		s.log.Warn("discarding unexpected envelope",
			zap.String("type", string(env.Type)),
		)
	}
}

func (s *processStrategy) settle(env protocol.Envelope) {
	if env.Success {
		if !s.pending.resolve(env.ID, env.Value) {
			s.log.Debug("discarding late result", zap.String("id", env.ID))
		}
		return
	}

	if !s.pending.reject(env.ID, fmt.Errorf("engine error: %s", env.Error)) {
		s.log.Debug("discarding late result", zap.String("id", env.ID))
	}
}

// watchExit rejects all pending calls when the worker exits without an
// ordered shutdown, so no caller is left to time out.
func (s *processStrategy) watchExit(conn *workerConn) {
	<-conn.proc.Done()

	if conn.expectedExit.Load() {
		return
	}

	exit := conn.proc.Exit()

	s.log.Error("worker exited unexpectedly",
		zap.Int("pid", conn.proc.Pid()),
		zap.String("exit", exit.String()),
	)

	s.ready.Store(false)
	s.metrics.IncWorkerCrashes()
	s.pending.failAll(fmt.Errorf("%w: %s", ErrWorkerCrashed, exit))

	s.forward("worker:crashed", map[string]any{
		"pid":  conn.proc.Pid(),
		"exit": exit.String(),
	})
}

// stderrLoop relays worker diagnostics into the host log. Stderr is
// never parsed as protocol data.
func (s *processStrategy) stderrLoop(conn *workerConn) {
	scanner := bufio.NewScanner(conn.proc.StderrPipe())
	log := s.log.Named("worker-stderr").With(zap.Int("pid", conn.proc.Pid()))

	for scanner.Scan() {
		log.Debug(scanner.Text())
	}
}

func (s *processStrategy) pingLoop(conn *workerConn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopPing:
			return
		case <-conn.proc.Done():
			return
		case <-ticker.C:
			if err := conn.writer.Write(protocol.Envelope{
				Type: protocol.TypePing,
				ID:   protocol.NewCallID(),
			}); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *processStrategy) forward(name string, data map[string]any) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()

	if sink != nil {
		sink(name, data)
	}
}
