package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stokerd/stoker/internal/protocol"
	"github.com/stokerd/stoker/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// runtimeHarness drives a Runtime over in-process pipes, playing the
// host side of the protocol.
type runtimeHarness struct {
	writer *protocol.Writer
	reader *protocol.Reader
	raw    io.Writer
	done   chan error
}

func newRuntimeHarness(t *testing.T) *runtimeHarness {
	t.Helper()

	rt, err := worker.NewRuntime(worker.RuntimeParams{
		Factory: engine.MemoryFactory,
		Log:     zap.NewNop(),
	})
	require.NoError(t, err)

	hostIn, workerOut := io.Pipe()
	workerIn, hostOut := io.Pipe()

	h := &runtimeHarness{
		writer: protocol.NewWriter(hostOut),
		reader: protocol.NewReader(hostIn),
		raw:    hostOut,
		done:   make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		h.done <- rt.Serve(ctx, workerIn, workerOut)
	}()

	t.Cleanup(func() {
		cancel()
		_ = hostOut.Close()
		_ = workerIn.Close()
	})

	return h
}

func (h *runtimeHarness) read(t *testing.T) protocol.Envelope {
	t.Helper()

	env, err := h.reader.Read()
	require.NoError(t, err)

	return env
}

// handshake consumes the boot ready, sends init and consumes the
// post-init ready.
func (h *runtimeHarness) handshake(t *testing.T, config engine.Config) {
	t.Helper()

	boot := h.read(t)
	require.Equal(t, protocol.TypeReady, boot.Type)

	configJSON, err := json.Marshal(config)
	require.NoError(t, err)

	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:     protocol.TypeInit,
		ID:       protocol.NewCallID(),
		RootPath: t.TempDir(),
		Config:   configJSON,
	}))

	ready := h.read(t)
	require.Equal(t, protocol.TypeReady, ready.Type)
}

func (h *runtimeHarness) serveResult(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestRuntime_HandshakeThenCall(t *testing.T) {
	h := newRuntimeHarness(t)
	h.handshake(t, engine.Config{Name: "test"})

	id := protocol.NewCallID()
	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:   protocol.TypeCall,
		ID:     id,
		Method: "indexFile",
		Args:   []any{"doc-1", "hello world"},
	}))

	result := h.read(t)
	assert.Equal(t, protocol.TypeResult, result.Type)
	assert.Equal(t, id, result.ID)
	assert.True(t, result.Success)
	assert.Equal(t, float64(1), result.Value["processed"])

	// every call is followed by a fresh memory figure
	report := h.read(t)
	assert.Equal(t, protocol.TypeMemoryReport, report.Type)
	assert.Greater(t, report.MemoryUsageMB, 0.0)
}

func TestRuntime_BatchEmitsEventBeforeResult(t *testing.T) {
	h := newRuntimeHarness(t)
	h.handshake(t, engine.Config{Name: "test"})

	docs := []any{
		map[string]any{"id": "a", "text": "alpha"},
		map[string]any{"id": "b", "text": "bravo"},
	}

	id := protocol.NewCallID()
	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:   protocol.TypeCall,
		ID:     id,
		Method: "indexBatch",
		Args:   []any{docs},
	}))

	event := h.read(t)
	assert.Equal(t, protocol.TypeEvent, event.Type)
	assert.Equal(t, "index:progress", event.Name)
	assert.Equal(t, float64(2), event.Data["processed"])

	result := h.read(t)
	assert.Equal(t, protocol.TypeResult, result.Type)
	assert.Equal(t, id, result.ID)
	assert.True(t, result.Success)
}

func TestRuntime_UnknownMethodFailsTheCallOnly(t *testing.T) {
	h := newRuntimeHarness(t)
	h.handshake(t, engine.Config{Name: "test"})

	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:   protocol.TypeCall,
		ID:     protocol.NewCallID(),
		Method: "defragment",
	}))

	result := h.read(t)
	assert.Equal(t, protocol.TypeResult, result.Type)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "defragment")

	// memory report still follows, and the worker keeps serving
	report := h.read(t)
	assert.Equal(t, protocol.TypeMemoryReport, report.Type)

	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:   protocol.TypeCall,
		ID:     protocol.NewCallID(),
		Method: "stats",
	}))

	result = h.read(t)
	assert.True(t, result.Success)
}

func TestRuntime_CallBeforeInitFails(t *testing.T) {
	h := newRuntimeHarness(t)

	boot := h.read(t)
	require.Equal(t, protocol.TypeReady, boot.Type)

	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:   protocol.TypeCall,
		ID:     protocol.NewCallID(),
		Method: "stats",
	}))

	result := h.read(t)
	assert.Equal(t, protocol.TypeResult, result.Type)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not initialized")
}

func TestRuntime_InvalidConfigIsFatal(t *testing.T) {
	h := newRuntimeHarness(t)

	boot := h.read(t)
	require.Equal(t, protocol.TypeReady, boot.Type)

	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type:     protocol.TypeInit,
		ID:       protocol.NewCallID(),
		RootPath: t.TempDir(),
		Config:   json.RawMessage(`{"name": 123}`),
	}))

	fatal := h.read(t)
	assert.Equal(t, protocol.TypeFatalError, fatal.Type)
	assert.True(t, fatal.Fatal)
	assert.Contains(t, fatal.Message, "invalid engine config")

	assert.Error(t, h.serveResult(t))
}

func TestRuntime_PingPong(t *testing.T) {
	h := newRuntimeHarness(t)

	boot := h.read(t)
	require.Equal(t, protocol.TypeReady, boot.Type)

	id := protocol.NewCallID()
	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type: protocol.TypePing,
		ID:   id,
	}))

	pong := h.read(t)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, id, pong.ID)
}

func TestRuntime_MalformedLineIsSkipped(t *testing.T) {
	h := newRuntimeHarness(t)

	boot := h.read(t)
	require.Equal(t, protocol.TypeReady, boot.Type)

	_, err := fmt.Fprintln(h.raw, "this is not an envelope")
	require.NoError(t, err)

	id := protocol.NewCallID()
	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type: protocol.TypePing,
		ID:   id,
	}))

	pong := h.read(t)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, id, pong.ID)
}

func TestRuntime_ShutdownHandshake(t *testing.T) {
	h := newRuntimeHarness(t)
	h.handshake(t, engine.Config{Name: "test"})

	require.NoError(t, h.writer.Write(protocol.Envelope{
		Type: protocol.TypeShutdown,
		ID:   protocol.NewCallID(),
	}))

	ack := h.read(t)
	assert.Equal(t, protocol.TypeShuttingDown, ack.Type)

	assert.NoError(t, h.serveResult(t))
}

func TestRuntime_StdinEOFStopsServing(t *testing.T) {
	h := newRuntimeHarness(t)

	boot := h.read(t)
	require.Equal(t, protocol.TypeReady, boot.Type)

	closer, ok := h.raw.(io.Closer)
	require.True(t, ok)
	require.NoError(t, closer.Close())

	assert.NoError(t, h.serveResult(t))
}
