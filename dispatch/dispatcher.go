// Package dispatch implements the TODO-queue dispatcher §4.8 describes:
// one task per channel draining its Control and Adjustment TODO lists,
// invoking the channel's driver write, retrying with backoff, and
// dead-lettering entries that exhaust their retries.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
	"github.com/voltage-ems/core/telemetry"
)

// Entry is the JSON shape routing.ApplyM2C appends to a channel's TODO
// list: point id, the value to write, and the enqueue timestamp.
type Entry struct {
	PointID   uint32 `json:"point_id"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// PointWriter is the subset of combase.Channel's contract the
// dispatcher needs: validate writability, invoke the driver write, and
// publish the echoed value. Kept as an interface so dispatch never
// imports combase directly.
type PointWriter interface {
	WritePoint(ctx context.Context, pid uint32, value string) error
}

// Config configures retry/backoff and poll cadence.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
	PopTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 2 * time.Second
	}
	return c
}

// Dispatcher drains one channel's Control and Adjustment TODO lists.
// Ordering within each list is FIFO by construction (a blocking list
// pop); the two lists are served round-robin against a single shared
// cursor, matching keyspace.ChannelCursorKey's one-cursor-per-channel
// shape.
type Dispatcher struct {
	channelID   uint16
	channelName string
	st          *store.Store
	ks          keyspace.Config
	writer      PointWriter
	cfg         Config
	log         *telemetry.ContextLogger

	cancel context.CancelFunc
	doneCh chan struct{}

	attempts    atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	deadLetters atomic.Int64
}

// New creates a Dispatcher for one channel.
func New(channelID uint16, st *store.Store, ks keyspace.Config, writer PointWriter, cfg Config) *Dispatcher {
	name := strconv.FormatUint(uint64(channelID), 10)
	return &Dispatcher{
		channelID:   channelID,
		channelName: name,
		st:          st,
		ks:          ks,
		writer:      writer,
		cfg:         cfg.withDefaults(),
		log:         telemetry.ServiceLogger("comsrv", "dispatch").WithField("channel_id", channelID),
	}
}

// Start runs the drain loop in its own goroutine.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.doneCh = make(chan struct{})
	go d.run(ctx)
}

// Stop cancels the drain loop and waits for it to exit. The loop
// finishes its current entry (one dispatcher entry is the atomic unit,
// §5 "Cancellation") before observing the cancellation.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.doneCh != nil {
		<-d.doneCh
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)
	for ctx.Err() == nil {
		d.tryQueue(ctx, keyspace.Control)
		d.tryQueue(ctx, keyspace.Adjustment)
	}
}

// tryQueue pops and processes at most one entry from the named queue's
// TODO list, returning whether it found one.
func (d *Dispatcher) tryQueue(ctx context.Context, pt keyspace.PointType) bool {
	key := d.ks.ChannelTODOKey(d.channelID, pt)
	raw, err := d.st.ListPopFrontBlocking(ctx, key, d.cfg.PopTimeout/2)
	if err != nil {
		if ctx.Err() == nil {
			d.log.WithError(err).Warn("todo list pop failed")
		}
		return false
	}
	if raw == "" {
		if depth, err := d.st.ListLen(ctx, key); err == nil {
			telemetry.SetDispatchQueueDepth(d.channelName, int(depth))
		}
		return false
	}

	d.process(context.WithoutCancel(ctx), pt, raw)
	return true
}

// process parses and executes one TODO entry, applying cursor-based
// idempotence (§4.8: a single command MUST NOT execute twice even
// across a restart).
func (d *Dispatcher) process(ctx context.Context, pt keyspace.PointType, raw string) {
	d.attempts.Add(1)
	hash := contentHash(raw)

	if cursor, err := d.st.Get(ctx, d.ks.ChannelCursorKey(d.channelID)); err == nil && cursor == hash {
		d.log.WithField("hash", hash).Debug("skipping already-processed todo entry")
		return
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		d.log.WithError(err).Error("discarding malformed todo entry")
		d.deadLetter(ctx, pt, raw, "malformed entry: "+err.Error())
		return
	}

	var writeErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		writeErr = d.writer.WritePoint(ctx, entry.PointID, entry.Value)
		if writeErr == nil {
			break
		}
		telemetry.RecordDispatchAttempt(d.channelName, "retry")
		time.Sleep(d.cfg.RetryBackoff * time.Duration(attempt+1))
	}

	if writeErr != nil {
		d.failures.Add(1)
		telemetry.RecordDispatchAttempt(d.channelName, "failure")
		d.deadLetter(ctx, pt, raw, writeErr.Error())
		return
	}

	d.successes.Add(1)
	telemetry.RecordDispatchAttempt(d.channelName, "success")
	if err := d.st.Set(ctx, d.ks.ChannelCursorKey(d.channelID), hash, 0); err != nil {
		d.log.WithError(err).Warn("failed to advance dispatch cursor")
	}
}

// deadLetter moves an exhausted entry to the channel's DLQ list and
// emits a diagnostic event, correlated with a fresh id since the TODO
// entry itself carries none.
func (d *Dispatcher) deadLetter(ctx context.Context, pt keyspace.PointType, raw, reason string) {
	correlationID := uuid.New().String()
	if err := d.st.ListPushBack(ctx, d.ks.ChannelDLQKey(d.channelID, pt), raw); err != nil {
		d.log.WithError(err).Error("failed to move entry to dead-letter queue")
		return
	}
	d.deadLetters.Add(1)
	telemetry.RecordDeadLetter(d.channelName, reason)
	d.log.WithFields(map[string]interface{}{
		"correlation_id": correlationID,
		"reason":         reason,
	}).Error("todo entry moved to dead-letter queue")
}

func contentHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Stats is a snapshot of the dispatcher's counters.
type Stats struct {
	Attempts    int64
	Successes   int64
	Failures    int64
	DeadLetters int64
}

// Stats returns the dispatcher's current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Attempts:    d.attempts.Load(),
		Successes:   d.successes.Load(),
		Failures:    d.failures.Load(),
		DeadLetters: d.deadLetters.Load(),
	}
}
