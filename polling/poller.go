// Package polling implements the driver-agnostic polling engine §4.6
// describes: one goroutine per channel ticking at a configurable
// interval, reading through a protocol.Driver, and handing changed
// points to a Sink for transactional publish.
package polling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/telemetry"
)

// Config mirrors spec.md §4.6's PollingConfig.
type Config struct {
	Interval                time.Duration
	Timeout                 time.Duration
	MaxRetries              int
	BatchSize               int
	EnableBatchOptimization bool
	AdaptivePolling         bool
	RefreshAll              bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = c.Interval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// maxIntervalMultiplier is the §4.6 "up to 4x nominal" adaptive ceiling.
const maxIntervalMultiplier = 4

// staleMultiplier is the §4.6 "3x nominal" staleness threshold.
const staleMultiplier = 3

// Sink receives decoded readings from one poll cycle for transactional
// publish; combase implements this against the store/routing cache.
type Sink interface {
	Publish(ctx context.Context, channel string, readings []protocol.Reading) error
}

// Stats reports a Poller's running health.
type Stats struct {
	Cycles              int64
	Errors              int64
	LastDuration        time.Duration
	IntervalMultiplier  int
	ConsecutiveFailures int
}

// Poller runs the polling loop for one channel's driver.
type Poller struct {
	channel string
	driver  protocol.Driver
	sink    Sink
	cfg     Config
	log     *telemetry.ContextLogger

	stopChan chan struct{}
	doneChan chan struct{}

	mu                  sync.Mutex
	consecutiveFailures int
	multiplier          int
	lastValue           map[uint32]string
	lastDuration        time.Duration

	cycles atomic.Int64
	errors atomic.Int64
}

// New creates a Poller for channel, reading through driver and
// publishing changed points to sink.
func New(channel string, driver protocol.Driver, sink Sink, cfg Config) *Poller {
	return &Poller{
		channel:    channel,
		driver:     driver,
		sink:       sink,
		cfg:        cfg.withDefaults(),
		log:        telemetry.ServiceLogger("comsrv", "polling").WithField("channel", channel),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		multiplier: 1,
		lastValue:  make(map[uint32]string),
	}
}

// Start runs the polling loop in its own goroutine.
func (p *Poller) Start() {
	go p.run()
}

// Stop signals the loop to exit and blocks until it has.
func (p *Poller) Stop() {
	close(p.stopChan)
	<-p.doneChan
}

func (p *Poller) run() {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.cycle()
			ticker.Reset(p.currentInterval())
		}
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Interval * time.Duration(p.multiplier)
}

func (p *Poller) cycle() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	readings, err := p.driver.ExecuteReads(ctx)
	duration := time.Since(start)

	p.mu.Lock()
	p.lastDuration = duration
	p.mu.Unlock()
	p.cycles.Add(1)

	if err != nil {
		p.errors.Add(1)
		p.recordFailure()
		telemetry.RecordPollCycle(p.channel, "error", duration.Seconds())
		p.log.WithError(err).Warn("poll cycle failed")
		return
	}
	p.recordSuccess()
	telemetry.RecordPollCycle(p.channel, "ok", duration.Seconds())

	changed := p.filterChanged(readings)
	for _, r := range changed {
		telemetry.RecordPointQuality(p.channel, string(r.Quality))
	}
	if len(changed) == 0 {
		return
	}
	if err := p.sink.Publish(ctx, p.channel, changed); err != nil {
		p.log.WithError(err).Error("publish failed")
	}
}

// filterChanged returns every reading when RefreshAll is set, otherwise
// only points whose value differs from the last cycle's.
func (p *Poller) filterChanged(readings []protocol.Reading) []protocol.Reading {
	if p.cfg.RefreshAll {
		p.mu.Lock()
		for _, r := range readings {
			p.lastValue[r.PointID] = r.Value
		}
		p.mu.Unlock()
		return readings
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Reading
	for _, r := range readings {
		if prev, ok := p.lastValue[r.PointID]; !ok || prev != r.Value || r.Quality == protocol.Bad {
			out = append(out, r)
			p.lastValue[r.PointID] = r.Value
		}
	}
	return out
}

func (p *Poller) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	if !p.cfg.AdaptivePolling {
		return
	}
	if p.consecutiveFailures >= p.cfg.MaxRetries && p.multiplier < maxIntervalMultiplier {
		p.multiplier++
	}
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures = 0
	p.multiplier = 1
}

// Stats returns the poller's current health snapshot.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Cycles:              p.cycles.Load(),
		Errors:              p.errors.Load(),
		LastDuration:        p.lastDuration,
		IntervalMultiplier:  p.multiplier,
		ConsecutiveFailures: p.consecutiveFailures,
	}
}

// IsStale reports whether a point's last update is old enough to be
// tagged stale: older than 3x the nominal polling interval (§4.6,
// INV-6). Combase's read path applies this at lookup time, since a
// point that stops updating (channel down) still holds its last-known
// value in the store rather than producing a fresh Reading.
func IsStale(lastUpdate time.Time, nominalInterval time.Duration) bool {
	return time.Since(lastUpdate) > staleMultiplier*nominalInterval
}
