package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// workerScript is a shell worker that speaks the full protocol: boot
// ready, init handshake, one result per call, pong, ordered shutdown.
// It also emits a progress event per call and one non-JSON diagnostic
// line, which the host must skip.
const workerScript = `#!/bin/sh
echo 'worker booting, this line is not protocol data'
echo '{"type":"ready"}'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  case "$line" in
  *'"type":"init"'*)
    echo '{"type":"ready","memoryUsageMb":17.5}'
    ;;
  *'"type":"call"'*)
    echo '{"type":"event","name":"index:progress","data":{"processed":1}}'
    printf '{"type":"result","id":"%s","success":true,"value":{"processed":1}}\n' "$id"
    ;;
  *'"type":"ping"'*)
    printf '{"type":"pong","id":"%s"}\n' "$id"
    ;;
  *'"type":"shutdown"'*)
    echo '{"type":"shuttingDown"}'
    exit 0
    ;;
  esac
done
`

// crashScript completes the handshake, then dies on the first call
// without answering it.
const crashScript = `#!/bin/sh
echo '{"type":"ready"}'
while IFS= read -r line; do
  case "$line" in
  *'"type":"init"'*)
    echo '{"type":"ready","memoryUsageMb":5}'
    ;;
  *'"type":"call"'*)
    sleep 0.2
    exit 7
    ;;
  esac
done
`

// stallScript completes the handshake but never answers calls.
const stallScript = `#!/bin/sh
echo '{"type":"ready"}'
while IFS= read -r line; do
  case "$line" in
  *'"type":"init"'*)
    echo '{"type":"ready","memoryUsageMb":5}'
    ;;
  *'"type":"shutdown"'*)
    echo '{"type":"shuttingDown"}'
    exit 0
    ;;
  esac
done
`

func scriptConfig(t *testing.T, script string) worker.StartConfig {
	t.Helper()

	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	return worker.StartConfig{Cmd: "sh", Args: []string{path}}
}

func newTestProcessStrategy(t *testing.T, script string, config Config) *processStrategy {
	t.Helper()

	config.Strategy = StrategyIsolatedProcess
	config.Worker = scriptConfig(t, script)

	s := newProcessStrategy(StrategyParams{
		RootPath:     t.TempDir(),
		EngineConfig: engine.Config{Name: "test"},
		Config:       config.withDefaults(),
		Log:          zap.NewNop(),
	})

	t.Cleanup(func() {
		_ = s.Dispose(context.Background())
	})

	return s
}

func TestProcessStrategy_StartupTimeout(t *testing.T) {
	// cat never sends ready
	s := newProcessStrategy(StrategyParams{
		RootPath: t.TempDir(),
		Config: Config{
			Strategy:       StrategyIsolatedProcess,
			StartupTimeout: 200 * time.Millisecond,
			Worker:         worker.StartConfig{Cmd: "cat"},
		}.withDefaults(),
		Log: zap.NewNop(),
	})
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })

	err := s.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrStartup)
	assert.False(t, s.Ready())
}

func TestProcessStrategy_RoundTrip(t *testing.T) {
	s := newTestProcessStrategy(t, workerScript, Config{
		StartupTimeout: 5 * time.Second,
		CallTimeout:    5 * time.Second,
	})

	require.NoError(t, s.Initialize(context.Background()))
	assert.True(t, s.Ready())
	assert.Greater(t, s.WorkerPID(), 0)
	assert.InDelta(t, 17.5, s.MemoryUsage(), 0.01)

	result, err := s.Call(context.Background(), engine.MethodIndexFile, []any{"a", "text"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), result["processed"])
}

func TestProcessStrategy_RestartChangesWorkerPid(t *testing.T) {
	s := newTestProcessStrategy(t, workerScript, Config{
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		CallTimeout:     5 * time.Second,
	})

	require.NoError(t, s.Initialize(context.Background()))

	pidBefore := s.WorkerPID()
	require.Greater(t, pidBefore, 0)

	require.NoError(t, s.Restart(context.Background(), "manual"))

	pidAfter := s.WorkerPID()
	assert.Greater(t, pidAfter, 0)
	assert.NotEqual(t, pidBefore, pidAfter)

	// the replacement worker answers calls
	_, err := s.Call(context.Background(), engine.MethodStats, nil)
	assert.NoError(t, err)
}

func TestProcessStrategy_ForwardsEvents(t *testing.T) {
	s := newTestProcessStrategy(t, workerScript, Config{
		StartupTimeout: 5 * time.Second,
		CallTimeout:    5 * time.Second,
	})

	var mu sync.Mutex
	var events []string
	s.OnEvent(func(name string, data map[string]any) {
		mu.Lock()
		events = append(events, name)
		mu.Unlock()
	})

	require.NoError(t, s.Initialize(context.Background()))

	_, err := s.Call(context.Background(), engine.MethodIndexFile, []any{"a", "text"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[0] == "index:progress"
	}, time.Second, 10*time.Millisecond)
}

func TestProcessStrategy_CrashRejectsPendingCalls(t *testing.T) {
	s := newTestProcessStrategy(t, crashScript, Config{
		StartupTimeout: 5 * time.Second,
		CallTimeout:    10 * time.Second,
	})

	require.NoError(t, s.Initialize(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 2)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Call(context.Background(), engine.MethodStats, nil)
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrWorkerCrashed)
	}

	assert.False(t, s.Ready())

	_, err := s.Call(context.Background(), engine.MethodStats, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestProcessStrategy_CallTimeout(t *testing.T) {
	s := newTestProcessStrategy(t, stallScript, Config{
		StartupTimeout: 5 * time.Second,
		CallTimeout:    50 * time.Millisecond,
	})

	require.NoError(t, s.Initialize(context.Background()))

	start := time.Now()
	_, err := s.Call(context.Background(), engine.MethodSearch, []any{"q"})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, elapsed, 400*time.Millisecond)

	// an abandoned call does not poison the strategy
	assert.True(t, s.Ready())
}

func TestProcessStrategy_DisposeRejectsInflightCalls(t *testing.T) {
	s := newTestProcessStrategy(t, stallScript, Config{
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		CallTimeout:     10 * time.Second,
	})

	require.NoError(t, s.Initialize(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), engine.MethodSearch, []any{"q"})
		errCh <- err
	}()

	// let the call get registered before disposing
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Dispose(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call hung after dispose")
	}

	_, err := s.Call(context.Background(), engine.MethodStats, nil)
	assert.ErrorIs(t, err, ErrNotReady)
}
