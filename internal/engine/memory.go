package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

// Memory is a self-contained in-memory inverted index. It exists so the
// supervisor has a real engine to drive end to end: it indexes documents,
// answers searches with term-frequency scoring, reports processed counts
// and emits progress events. It is not a production search engine.
type Memory struct {
	mu sync.Mutex

	initialized bool
	closed      bool
	config      Config
	rootPath    string

	// docID -> term -> occurrences
	docs map[string]map[string]int
	// term -> docID -> occurrences
	terms map[string]map[string]int

	calls int64

	sinks   map[int]EventSink
	sinkSeq int

	// events queued during a call, delivered after the lock is
	// released so a sink may call back into the engine
	queued []memoryEvent

	log *zap.Logger
}

type memoryEvent struct {
	name string
	data map[string]any
}

var _ Engine = (*Memory)(nil)

func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		docs:  make(map[string]map[string]int),
		terms: make(map[string]map[string]int),
		sinks: make(map[int]EventSink),
		log:   log.Named("engine"),
	}
}

// MemoryFactory is the Factory for the in-memory reference engine.
func MemoryFactory(log *zap.Logger) Engine {
	return NewMemory(log)
}

func (e *Memory) Initialize(ctx context.Context, rootPath string, config Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	e.rootPath = rootPath
	e.config = config
	e.initialized = true

	e.log.Debug("engine initialized",
		zap.String("root", rootPath),
		zap.String("name", config.Name),
	)

	return nil
}

func (e *Memory) Call(ctx context.Context, method Method, args []any) (Result, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}

	if !e.initialized {
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}

	e.calls++

	result, err := e.dispatch(method, args)

	// deliver queued events outside the lock so a sink may call back
	// into the engine without deadlocking
	events := e.queued
	e.queued = nil

	sinks := make([]EventSink, 0, len(e.sinks))
	for _, sink := range e.sinks {
		sinks = append(sinks, sink)
	}

	e.mu.Unlock()

	for _, event := range events {
		for _, sink := range sinks {
			sink(event.name, event.data)
		}
	}

	return result, err
}

func (e *Memory) dispatch(method Method, args []any) (Result, error) {
	switch method {
	case MethodIndexBatch:
		return e.indexBatch(args)
	case MethodIndexFile:
		return e.indexFile(args)
	case MethodRemoveFile:
		return e.removeFile(args)
	case MethodSearch:
		return e.search(args)
	case MethodStats:
		return e.stats(), nil
	case MethodClear:
		e.docs = make(map[string]map[string]int)
		e.terms = make(map[string]map[string]int)
		return Result{"cleared": true}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (e *Memory) OnEvent(sink EventSink) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.sinkSeq
	e.sinkSeq++
	e.sinks[id] = sink

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.sinks, id)
	}
}

func (e *Memory) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.docs = nil
	e.terms = nil

	return nil
}

// MARK: - methods

func (e *Memory) indexBatch(args []any) (Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("indexBatch: missing batch argument")
	}

	batch, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("indexBatch: expected array of documents, got %T", args[0])
	}

	if max := e.config.MaxBatch; max > 0 && len(batch) > max {
		return nil, fmt.Errorf("indexBatch: batch of %d exceeds limit of %d", len(batch), max)
	}

	processed := 0
	for _, item := range batch {
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("indexBatch: expected document object, got %T", item)
		}

		id, _ := doc["id"].(string)
		text, _ := doc["text"].(string)
		if id == "" {
			return nil, fmt.Errorf("indexBatch: document without id")
		}

		e.index(id, text)
		processed++
	}

	e.publish("index:progress", map[string]any{
		"processed": processed,
		"documents": len(e.docs),
	})

	return Result{"processed": processed}, nil
}

func (e *Memory) indexFile(args []any) (Result, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("indexFile: expected id and text arguments")
	}

	id, ok := args[0].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("indexFile: invalid id argument")
	}

	text, _ := args[1].(string)

	e.index(id, text)

	return Result{"processed": 1}, nil
}

func (e *Memory) removeFile(args []any) (Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("removeFile: missing id argument")
	}

	id, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("removeFile: invalid id argument")
	}

	_, existed := e.docs[id]
	e.remove(id)

	return Result{"removed": existed}, nil
}

func (e *Memory) search(args []any) (Result, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("search: missing query argument")
	}

	query, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("search: invalid query argument")
	}

	limit := 10
	if len(args) > 1 {
		if n, ok := asInt(args[1]); ok && n > 0 {
			limit = n
		}
	}

	scores := make(map[string]int)
	for _, term := range e.tokenize(query) {
		for id, count := range e.terms[term] {
			scores[id] += count
		}
	}

	type hit struct {
		id    string
		score int
	}

	hits := make([]hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, hit{id: id, score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]any, len(hits))
	for i, h := range hits {
		out[i] = map[string]any{"id": h.id, "score": h.score}
	}

	return Result{"hits": out, "count": len(out)}, nil
}

func (e *Memory) stats() Result {
	return Result{
		"name":      e.config.Name,
		"documents": len(e.docs),
		"terms":     len(e.terms),
		"calls":     e.calls,
	}
}

// MARK: - index internals

func (e *Memory) index(id, text string) {
	// reindexing a known id replaces its previous terms
	e.remove(id)

	freqs := make(map[string]int)
	for _, term := range e.tokenize(text) {
		freqs[term]++
	}

	e.docs[id] = freqs

	for term, count := range freqs {
		postings, ok := e.terms[term]
		if !ok {
			postings = make(map[string]int)
			e.terms[term] = postings
		}
		postings[id] = count
	}
}

func (e *Memory) remove(id string) {
	freqs, ok := e.docs[id]
	if !ok {
		return
	}

	for term := range freqs {
		delete(e.terms[term], id)
		if len(e.terms[term]) == 0 {
			delete(e.terms, term)
		}
	}

	delete(e.docs, id)
}

func (e *Memory) tokenize(text string) []string {
	if !e.config.CaseSensitive {
		text = strings.ToLower(text)
	}

	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// publish queues an event for delivery once the current call releases
// the engine lock.
func (e *Memory) publish(name string, data map[string]any) {
	e.queued = append(e.queued, memoryEvent{name: name, data: data})
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
