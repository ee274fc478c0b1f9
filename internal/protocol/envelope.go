package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EnvelopeType discriminates the messages exchanged between the host
// process and the engine worker.
type EnvelopeType string

const (
	// host -> worker

	TypeInit     EnvelopeType = "init"
	TypeCall     EnvelopeType = "call"
	TypeShutdown EnvelopeType = "shutdown"
	TypePing     EnvelopeType = "ping"

	// worker -> host

	TypeReady        EnvelopeType = "ready"
	TypeResult       EnvelopeType = "result"
	TypeEvent        EnvelopeType = "event"
	TypeMemoryReport EnvelopeType = "memoryReport"
	TypeFatalError   EnvelopeType = "fatalError"
	TypePong         EnvelopeType = "pong"
	TypeShuttingDown EnvelopeType = "shuttingDown"
)

// Envelope is a single line-delimited message on the wire. Request-shaped
// envelopes carry a correlation ID; response-shaped envelopes echo it.
type Envelope struct {
	Type EnvelopeType `json:"type"`
	ID   string       `json:"id,omitempty"`

	// init
	RootPath string          `json:"rootPath,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`

	// call
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`

	// result
	Success bool           `json:"success,omitempty"`
	Value   map[string]any `json:"value,omitempty"`
	Error   string         `json:"error,omitempty"`

	// event
	Name string         `json:"name,omitempty"`
	Data map[string]any `json:"data,omitempty"`

	// ready, memoryReport
	MemoryUsageMB float64 `json:"memoryUsageMb,omitempty"`

	// fatalError
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// NewCallID returns a fresh correlation id for a request-shaped envelope.
func NewCallID() string {
	return uuid.NewString()
}
