package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
)

type fakeWriter struct {
	mu      sync.Mutex
	writes  []Entry
	failFor map[uint32]int // pid -> number of failures before success
}

func (w *fakeWriter) WritePoint(ctx context.Context, pid uint32, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.failFor[pid]; n > 0 {
		w.failFor[pid] = n - 1
		return assertError{}
	}
	w.writes = append(w.writes, Entry{PointID: pid, Value: value})
	return nil
}

func (w *fakeWriter) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

type assertError struct{}

func (assertError) Error() string { return "simulated write failure" }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func pushEntry(t *testing.T, st *store.Store, key string, e Entry) {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, st.ListPushBack(context.Background(), key, string(raw)))
}

func TestDispatcherDrainsControlQueueFIFO(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	writer := &fakeWriter{failFor: map[uint32]int{}}

	pushEntry(t, st, ks.ChannelTODOKey(1, keyspace.Control), Entry{PointID: 1, Value: "1"})
	pushEntry(t, st, ks.ChannelTODOKey(1, keyspace.Control), Entry{PointID: 2, Value: "0"})

	d := New(1, st, ks, writer, Config{PopTimeout: 40 * time.Millisecond})
	d.Start()
	defer d.Stop()

	waitUntil(t, time.Second, func() bool { return writer.writeCount() >= 2 })
	assert.Equal(t, uint32(1), writer.writes[0].PointID)
	assert.Equal(t, uint32(2), writer.writes[1].PointID)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	writer := &fakeWriter{failFor: map[uint32]int{5: 2}}

	pushEntry(t, st, ks.ChannelTODOKey(2, keyspace.Adjustment), Entry{PointID: 5, Value: "3"})

	d := New(2, st, ks, writer, Config{PopTimeout: 40 * time.Millisecond, RetryBackoff: time.Millisecond, MaxRetries: 3})
	d.Start()
	defer d.Stop()

	waitUntil(t, time.Second, func() bool { return writer.writeCount() == 1 })
	assert.Equal(t, int64(1), d.Stats().Successes)
}

func TestDispatcherDeadLettersAfterExhaustingRetries(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	writer := &fakeWriter{failFor: map[uint32]int{9: 100}}

	pushEntry(t, st, ks.ChannelTODOKey(3, keyspace.Control), Entry{PointID: 9, Value: "1"})

	d := New(3, st, ks, writer, Config{PopTimeout: 40 * time.Millisecond, RetryBackoff: time.Millisecond, MaxRetries: 1})
	d.Start()
	defer d.Stop()

	waitUntil(t, time.Second, func() bool { return d.Stats().DeadLetters == 1 })

	dlq, err := st.ListRange(context.Background(), ks.ChannelDLQKey(3, keyspace.Control), 0, -1)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
}

func TestDispatcherCursorSkipsReplayedEntry(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	writer := &fakeWriter{failFor: map[uint32]int{}}
	ctx := context.Background()

	entry := Entry{PointID: 1, Value: "1"}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, ks.ChannelCursorKey(4), contentHash(string(raw)), 0))
	pushEntry(t, st, ks.ChannelTODOKey(4, keyspace.Control), entry)

	d := New(4, st, ks, writer, Config{PopTimeout: 40 * time.Millisecond})
	d.Start()
	defer d.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, writer.writeCount(), "already-processed entry identified by cursor hash must not re-execute")
}
