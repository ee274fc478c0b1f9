package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrClosed         = errors.New("engine closed")
)

// Result is the untyped payload an engine method returns. Indexing
// methods report the number of processed documents under "processed".
type Result = map[string]any

// EventSink receives events emitted by an engine while it works, e.g.
// indexing progress.
type EventSink func(name string, data map[string]any)

// Config is the engine configuration passed through to the worker on
// init. It is validated against a JSON schema before it reaches the
// engine.
type Config struct {
	// Name identifies the index.
	Name string `json:"name,omitempty" conf:"name"`

	// CaseSensitive disables term folding when set.
	CaseSensitive bool `json:"caseSensitive,omitempty" conf:"case_sensitive"`

	// MaxBatch caps the number of documents a single indexBatch call
	// may carry. 0 means unbounded.
	MaxBatch int `json:"maxBatch,omitempty" conf:"max_batch"`
}

// Engine is the supervised collaborator. The supervisor treats it as
// opaque: it initializes it, dispatches enumerated methods to it,
// forwards its events, and closes it.
type Engine interface {
	Initialize(ctx context.Context, rootPath string, config Config) error
	Call(ctx context.Context, method Method, args []any) (Result, error)
	OnEvent(sink EventSink) func()
	Close(ctx context.Context) error
}

// Factory creates a fresh engine instance. Restart strategies call it
// every time they need to replace the execution context.
type Factory func(log *zap.Logger) Engine
