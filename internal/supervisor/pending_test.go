package supervisor

import (
	"testing"
	"time"

	"github.com/stokerd/stoker/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_Resolve(t *testing.T) {
	table := newPendingTable(nil)

	call := table.add("id-1", "search", time.Minute)

	ok := table.resolve("id-1", engine.Result{"count": 0})
	require.True(t, ok)

	outcome := <-call.done
	assert.NoError(t, outcome.err)
	assert.Equal(t, engine.Result{"count": 0}, outcome.value)
	assert.Zero(t, table.size())
}

func TestPendingTable_Reject(t *testing.T) {
	table := newPendingTable(nil)

	call := table.add("id-1", "search", time.Minute)

	ok := table.reject("id-1", assert.AnError)
	require.True(t, ok)

	outcome := <-call.done
	assert.ErrorIs(t, outcome.err, assert.AnError)
	assert.Zero(t, table.size())
}

func TestPendingTable_Timeout(t *testing.T) {
	table := newPendingTable(nil)

	call := table.add("id-1", "search", 20*time.Millisecond)

	select {
	case outcome := <-call.done:
		assert.ErrorIs(t, outcome.err, ErrCallTimeout)
		assert.Contains(t, outcome.err.Error(), "search")
		assert.Contains(t, outcome.err.Error(), "id-1")
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	assert.Zero(t, table.size())
}

func TestPendingTable_ResolveAfterTimeoutIsNoop(t *testing.T) {
	table := newPendingTable(nil)

	call := table.add("id-1", "search", 10*time.Millisecond)

	<-call.done

	assert.False(t, table.resolve("id-1", nil))
}

func TestPendingTable_FailAll(t *testing.T) {
	table := newPendingTable(nil)

	first := table.add("id-1", "search", time.Minute)
	second := table.add("id-2", "stats", time.Minute)

	table.failAll(ErrWorkerCrashed)

	assert.ErrorIs(t, (<-first.done).err, ErrWorkerCrashed)
	assert.ErrorIs(t, (<-second.done).err, ErrWorkerCrashed)
	assert.Zero(t, table.size())
}

func TestPendingTable_RemoveDropsWithoutSettling(t *testing.T) {
	table := newPendingTable(nil)

	call := table.add("id-1", "search", time.Minute)
	table.remove("id-1")

	select {
	case <-call.done:
		t.Fatal("removed call must not settle")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Zero(t, table.size())
}

func TestPendingTable_ReportsSize(t *testing.T) {
	var sizes []int
	table := newPendingTable(func(n int) { sizes = append(sizes, n) })

	table.add("id-1", "search", time.Minute)
	table.add("id-2", "search", time.Minute)
	table.resolve("id-1", nil)
	table.failAll(ErrDisposed)

	assert.Equal(t, []int{1, 2, 1, 0}, sizes)
}
