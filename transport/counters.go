package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of a transport's health counters, identical across
// every variant so diagnostics code never branches on Kind (§4.4).
type Stats struct {
	Attempts  int64
	Successes int64
	Failures  int64
	BytesIn   int64
	BytesOut  int64
	UptimeSec int64
	LastError string
	State     State
}

// counters is embedded by every Transport variant instead of each one
// re-implementing the same bookkeeping (§5.4a).
type counters struct {
	attempts    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	connectedAt atomic.Int64 // unix seconds, 0 if not connected

	mu        sync.Mutex
	state     State
	lastError string
}

func (c *counters) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *counters) recordAttempt() {
	c.attempts.Add(1)
}

func (c *counters) recordSuccess(bytesIn, bytesOut int) {
	c.successes.Add(1)
	if bytesIn > 0 {
		c.bytesIn.Add(int64(bytesIn))
	}
	if bytesOut > 0 {
		c.bytesOut.Add(int64(bytesOut))
	}
}

func (c *counters) recordFailure(err error) {
	c.failures.Add(1)
	c.mu.Lock()
	c.lastError = err.Error()
	c.state = StateError
	c.mu.Unlock()
}

func (c *counters) markConnected(now int64) {
	c.connectedAt.Store(now)
	c.setState(StateConnected)
}

func (c *counters) markDisconnected() {
	c.connectedAt.Store(0)
	c.setState(StateDisconnected)
}

func (c *counters) snapshot(now int64) Stats {
	c.mu.Lock()
	state := c.state
	lastErr := c.lastError
	c.mu.Unlock()

	var uptime int64
	if connectedAt := c.connectedAt.Load(); connectedAt > 0 {
		uptime = now - connectedAt
	}

	return Stats{
		Attempts:  c.attempts.Load(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		UptimeSec: uptime,
		LastError: lastErr,
		State:     state,
	}
}

func nowUnix() int64 { return time.Now().Unix() }
