package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/stokerd/stoker/internal/engine"
)

type callOutcome struct {
	value engine.Result
	err   error
}

// pendingCall is one outstanding request against the worker, waiting
// for the result envelope that echoes its correlation id.
type pendingCall struct {
	id        string
	method    string
	startedAt time.Time

	done  chan callOutcome
	timer *time.Timer
}

// pendingTable correlates outstanding requests with their eventual
// responses. Entries are removed on resolution, rejection, timeout and
// dispose; they are never left dangling.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall

	// onChange reports the table size, for the pending-calls gauge.
	onChange func(n int)
}

func newPendingTable(onChange func(n int)) *pendingTable {
	if onChange == nil {
		onChange = func(int) {}
	}

	return &pendingTable{
		calls:    make(map[string]*pendingCall),
		onChange: onChange,
	}
}

func (t *pendingTable) add(id, method string, timeout time.Duration) *pendingCall {
	call := &pendingCall{
		id:        id,
		method:    method,
		startedAt: time.Now(),
		done:      make(chan callOutcome, 1),
	}

	call.timer = time.AfterFunc(timeout, func() {
		t.timeout(call)
	})

	t.mu.Lock()
	t.calls[id] = call
	n := len(t.calls)
	t.mu.Unlock()

	t.onChange(n)

	return call
}

// resolve settles the call with a successful result. It reports false
// if no entry matches the id, e.g. a late response after a timeout.
func (t *pendingTable) resolve(id string, value engine.Result) bool {
	call := t.take(id)
	if call == nil {
		return false
	}

	call.done <- callOutcome{value: value}
	return true
}

// reject settles the call with an error.
func (t *pendingTable) reject(id string, err error) bool {
	call := t.take(id)
	if call == nil {
		return false
	}

	call.done <- callOutcome{err: err}
	return true
}

// remove drops the entry without settling it. Used when the waiting
// caller has already given up, e.g. on context cancellation.
func (t *pendingTable) remove(id string) {
	t.take(id)
}

// failAll rejects every outstanding call. Used when the worker crashes
// or the strategy is disposed, so no caller hangs indefinitely.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := make([]*pendingCall, 0, len(t.calls))
	for _, call := range t.calls {
		calls = append(calls, call)
	}
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	t.onChange(0)

	for _, call := range calls {
		call.timer.Stop()
		call.done <- callOutcome{err: fmt.Errorf(
			"%w: %s (id %s, after %s)",
			err, call.method, call.id, time.Since(call.startedAt).Round(time.Millisecond),
		)}
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.calls)
}

func (t *pendingTable) timeout(call *pendingCall) {
	if t.take(call.id) == nil {
		// already settled
		return
	}

	call.done <- callOutcome{err: fmt.Errorf(
		"%w: %s (id %s, after %s)",
		ErrCallTimeout, call.method, call.id, time.Since(call.startedAt).Round(time.Millisecond),
	)}
}

// take removes and returns the entry for id, stopping its timer.
func (t *pendingTable) take(id string) *pendingCall {
	t.mu.Lock()

	call, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	delete(t.calls, id)
	n := len(t.calls)
	t.mu.Unlock()

	t.onChange(n)
	call.timer.Stop()

	return call
}
