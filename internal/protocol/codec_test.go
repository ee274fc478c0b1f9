package protocol_test

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stokerd/stoker/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	envelopes := []protocol.Envelope{
		{
			Type:     protocol.TypeInit,
			ID:       protocol.NewCallID(),
			RootPath: "/tmp/索引",
			Config:   json.RawMessage(`{"name":"test"}`),
		},
		{
			Type:   protocol.TypeCall,
			ID:     protocol.NewCallID(),
			Method: "indexBatch",
			Args:   []any{[]any{map[string]any{"id": "a", "text": "line one\nline two"}}},
		},
		{Type: protocol.TypeShutdown, ID: protocol.NewCallID()},
		{Type: protocol.TypePing, ID: protocol.NewCallID()},
		{Type: protocol.TypeReady, MemoryUsageMB: 42.5},
		{
			Type:    protocol.TypeResult,
			ID:      protocol.NewCallID(),
			Success: true,
			Value:   map[string]any{"processed": float64(3)},
		},
		{
			Type: protocol.TypeEvent,
			Name: "index:progress",
			Data: map[string]any{"processed": float64(10)},
		},
		{Type: protocol.TypeMemoryReport, MemoryUsageMB: 123.4},
		{Type: protocol.TypeFatalError, Message: "boom", Fatal: true},
		{Type: protocol.TypePong, ID: protocol.NewCallID()},
		{Type: protocol.TypeShuttingDown},
	}

	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)

	for _, env := range envelopes {
		require.NoError(t, writer.Write(env))
	}

	// every envelope occupies exactly one line
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, len(envelopes))

	reader := protocol.NewReader(&buf)

	for _, want := range envelopes {
		got, err := reader.Read()
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.ID, got.ID)
	}

	_, err := reader.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodec_EmbeddedNewlinesAreEscaped(t *testing.T) {
	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)

	require.NoError(t, writer.Write(protocol.Envelope{
		Type:  protocol.TypeFatalError,
		Error: "first\nsecond",
	}))

	line := buf.String()
	assert.Equal(t, 1, strings.Count(line, "\n"))
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestCodec_MalformedLineIsRecoverable(t *testing.T) {
	input := "not json at all\n" +
		`{"type":"pong","id":"abc"}` + "\n"

	reader := protocol.NewReader(strings.NewReader(input))

	_, err := reader.Read()
	assert.ErrorIs(t, err, protocol.ErrMalformedLine)

	// the reader keeps going after a bad line
	env, err := reader.Read()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, env.Type)
	assert.Equal(t, "abc", env.ID)
}

func TestCodec_MissingTypeIsMalformed(t *testing.T) {
	reader := protocol.NewReader(strings.NewReader(`{"id":"abc"}` + "\n"))

	_, err := reader.Read()
	assert.ErrorIs(t, err, protocol.ErrMalformedLine)
}

func TestNewCallID_Unique(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := protocol.NewCallID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
