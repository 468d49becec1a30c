package polling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/protocol"
)

type fakeDriver struct {
	mu       sync.Mutex
	readings []protocol.Reading
	err      error
	calls    int
}

func (f *fakeDriver) Connect(ctx context.Context) error { return nil }
func (f *fakeDriver) Disconnect() error                 { return nil }
func (f *fakeDriver) Stats() protocol.Stats             { return protocol.Stats{} }
func (f *fakeDriver) ExecuteWrites(ctx context.Context, cmds []protocol.WriteCommand) error {
	return nil
}

func (f *fakeDriver) ExecuteReads(ctx context.Context) ([]protocol.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]protocol.Reading, len(f.readings))
	copy(out, f.readings)
	return out, nil
}

type fakeSink struct {
	mu        sync.Mutex
	published [][]protocol.Reading
}

func (s *fakeSink) Publish(ctx context.Context, channel string, readings []protocol.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, readings)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
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

func TestPollerPublishesOnlyChangedPoints(t *testing.T) {
	driver := &fakeDriver{readings: []protocol.Reading{{PointID: 1, Value: "10", Quality: protocol.Good}}}
	sink := &fakeSink{}
	p := New("ch1", driver, sink, Config{Interval: 5 * time.Millisecond})
	p.Start()
	defer p.Stop()

	waitUntil(t, time.Second, func() bool { return sink.count() >= 1 })
	time.Sleep(20 * time.Millisecond) // let a few more ticks pass with no value change

	assert.Equal(t, 1, sink.count(), "unchanged readings across cycles must not republish")
}

func TestPollerRefreshAllPublishesEveryCycle(t *testing.T) {
	driver := &fakeDriver{readings: []protocol.Reading{{PointID: 1, Value: "10", Quality: protocol.Good}}}
	sink := &fakeSink{}
	p := New("ch1", driver, sink, Config{Interval: 5 * time.Millisecond, RefreshAll: true})
	p.Start()
	defer p.Stop()

	waitUntil(t, time.Second, func() bool { return sink.count() >= 3 })
}

func TestPollerAdaptiveBackoffExtendsInterval(t *testing.T) {
	driver := &fakeDriver{err: errors.New("timeout")}
	sink := &fakeSink{}
	p := New("ch1", driver, sink, Config{Interval: 2 * time.Millisecond, MaxRetries: 2, AdaptivePolling: true})
	p.Start()
	defer p.Stop()

	waitUntil(t, time.Second, func() bool { return p.Stats().IntervalMultiplier > 1 })
	assert.LessOrEqual(t, p.Stats().IntervalMultiplier, maxIntervalMultiplier)
}

func TestPollerRecoverResetsMultiplier(t *testing.T) {
	driver := &fakeDriver{err: errors.New("timeout")}
	sink := &fakeSink{}
	p := New("ch1", driver, sink, Config{Interval: 2 * time.Millisecond, MaxRetries: 1, AdaptivePolling: true})
	p.Start()

	waitUntil(t, time.Second, func() bool { return p.Stats().IntervalMultiplier > 1 })

	driver.mu.Lock()
	driver.err = nil
	driver.readings = []protocol.Reading{{PointID: 1, Value: "1", Quality: protocol.Good}}
	driver.mu.Unlock()

	waitUntil(t, time.Second, func() bool { return p.Stats().IntervalMultiplier == 1 })
	p.Stop()
}

func TestPollerBadQualityAlwaysRepublishes(t *testing.T) {
	driver := &fakeDriver{readings: []protocol.Reading{{PointID: 1, Value: "", Quality: protocol.Bad}}}
	sink := &fakeSink{}
	p := New("ch1", driver, sink, Config{Interval: 5 * time.Millisecond})
	p.Start()
	defer p.Stop()

	waitUntil(t, time.Second, func() bool { return sink.count() >= 3 })
}

func TestIsStale(t *testing.T) {
	nominal := 10 * time.Second
	assert.False(t, IsStale(time.Now(), nominal))
	assert.True(t, IsStale(time.Now().Add(-31*time.Second), nominal))
}

func TestPollerStopIsIdempotentToWait(t *testing.T) {
	driver := &fakeDriver{readings: []protocol.Reading{{PointID: 1, Value: "1", Quality: protocol.Good}}}
	sink := &fakeSink{}
	p := New("ch1", driver, sink, Config{Interval: 5 * time.Millisecond})
	p.Start()
	time.Sleep(10 * time.Millisecond)
	p.Stop()

	countAfterStop := sink.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, countAfterStop, sink.count(), "no further cycles run after Stop")
}
