package engine

import (
	"errors"
	"fmt"
)

var ErrUnknownMethod = errors.New("unknown engine method")

// Method is the enumerated command set the engine exposes. Using an
// enum instead of raw method strings makes unknown-method handling a
// parse-time concern and lets dispatch switches be exhaustive.
type Method int

const (
	MethodIndexBatch Method = iota
	MethodIndexFile
	MethodRemoveFile
	MethodSearch
	MethodStats
	MethodClear
)

var methodNames = map[Method]string{
	MethodIndexBatch: "indexBatch",
	MethodIndexFile:  "indexFile",
	MethodRemoveFile: "removeFile",
	MethodSearch:     "search",
	MethodStats:      "stats",
	MethodClear:      "clear",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for method, name := range methodNames {
		m[name] = method
	}
	return m
}()

// ParseMethod maps a wire-level method name onto the command set.
func ParseMethod(name string) (Method, error) {
	if method, ok := methodsByName[name]; ok {
		return method, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}

	return fmt.Sprintf("method(%d)", int(m))
}

// Indexing reports whether a successful result of this method carries a
// "processed" document count that feeds the supervisor's work counters.
func (m Method) Indexing() bool {
	return m == MethodIndexBatch || m == MethodIndexFile
}
