package combase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/polling"
	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/routing"
	"github.com/voltage-ems/core/store"
	"github.com/voltage-ems/core/telemetry"
)

// Command is the payload published on a channel's command-notification
// channel (cmd:{ch}:control|adjustment), the low-latency parallel path
// to the TODO-queue dispatcher (§4.7 handle_command).
type Command struct {
	PointID uint32 `json:"point_id"`
	Value   string `json:"value"`
}

// Config configures a Channel. Driver and Points are required; Routing
// may be nil (routing mirror is then skipped, not an error — a channel
// with no wired instance is the normal case until it is routed).
type Config struct {
	ChannelID uint16
	Protocol  string
	Driver    protocol.Driver
	Points    *PointManager
	Store     *store.Store
	Keyspace  keyspace.Config
	Routing   *routing.Cache
	Polling   polling.Config
}

// Channel is the runtime §4.7 describes: it owns the driver, point
// manager, polling engine, command subscription, and the transactional
// publish path into the store and routing plane.
type Channel struct {
	id       uint16
	protocol string
	driver   protocol.Driver
	points   *PointManager
	st       *store.Store
	ks       keyspace.Config
	routing  *routing.Cache
	log      *telemetry.ContextLogger

	life   *lifecycle
	poller *polling.Poller

	subCancel context.CancelFunc
	subDone   chan struct{}

	publishes atomic.Int64
	commands  atomic.Int64
	errors    atomic.Int64
}

// New constructs a Channel and its internal polling engine, bound to
// cfg.Driver. Call Start to begin polling and command subscription.
func New(cfg Config) *Channel {
	ch := &Channel{
		id:       cfg.ChannelID,
		protocol: cfg.Protocol,
		driver:   cfg.Driver,
		points:   cfg.Points,
		st:       cfg.Store,
		ks:       cfg.Keyspace,
		routing:  cfg.Routing,
		log: telemetry.ServiceLogger("comsrv", "combase").
			WithField("channel_id", cfg.ChannelID),
		life: newLifecycle(),
	}
	channelName := fmt.Sprintf("%d", cfg.ChannelID)
	ch.poller = polling.New(channelName, cfg.Driver, ch, cfg.Polling)
	return ch
}

// State returns the channel's current lifecycle state.
func (ch *Channel) State() State {
	return ch.life.Current()
}

// Start validates the store connection, connects the transport,
// starts the polling loop, and starts the command-subscription loop
// (§4.7).
func (ch *Channel) Start(ctx context.Context) error {
	if err := ch.life.transitionTo(StateConnecting, "start requested"); err != nil {
		return err
	}

	if _, err := ch.st.ListLen(ctx, ch.ks.ChannelTODOKey(ch.id, keyspace.Control)); err != nil {
		_ = ch.life.transitionTo(StateError, err.Error())
		ch.errors.Add(1)
		return fmt.Errorf("combase: channel %d: store unavailable: %w", ch.id, err)
	}

	if err := ch.driver.Connect(ctx); err != nil {
		_ = ch.life.transitionTo(StateError, err.Error())
		ch.errors.Add(1)
		return fmt.Errorf("combase: connect channel %d: %w", ch.id, err)
	}
	if err := ch.life.transitionTo(StateConnected, "connected"); err != nil {
		return err
	}

	ch.poller.Start()

	subCtx, cancel := context.WithCancel(context.Background())
	ch.subCancel = cancel
	ch.subDone = make(chan struct{})
	go ch.runCommandSubscription(subCtx)

	ch.log.Info("channel started")
	return nil
}

// Stop stops the command subscription and polling loop, disconnects
// the transport, and leaves last-known values in the store untouched
// (§4.7).
func (ch *Channel) Stop() error {
	if err := ch.life.transitionTo(StateDisconnecting, "stop requested"); err != nil {
		return err
	}

	if ch.subCancel != nil {
		ch.subCancel()
		<-ch.subDone
	}
	ch.poller.Stop()

	if err := ch.driver.Disconnect(); err != nil {
		_ = ch.life.transitionTo(StateError, err.Error())
		return fmt.Errorf("combase: disconnect channel %d: %w", ch.id, err)
	}
	return ch.life.transitionTo(StateStopped, "stopped")
}

func (ch *Channel) runCommandSubscription(ctx context.Context) {
	defer close(ch.subDone)

	controlChan := ch.ks.CommandChannel(ch.id, keyspace.Control)
	adjustmentChan := ch.ks.CommandChannel(ch.id, keyspace.Adjustment)

	payloads, err := ch.st.Subscribe(ctx, controlChan, adjustmentChan)
	if err != nil {
		ch.log.WithError(err).Error("command subscription failed")
		ch.errors.Add(1)
		return
	}

	for payload := range payloads {
		var cmd Command
		if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
			ch.log.WithError(err).Warn("discarding malformed command payload")
			continue
		}
		if err := ch.HandleCommand(ctx, cmd); err != nil {
			ch.log.WithError(err).Warn("command handling failed")
		}
	}
}

// ReadPoint returns a point's current value, serving from the store
// cache on a hit and forcing a driver read on a miss (§4.7).
func (ch *Channel) ReadPoint(ctx context.Context, pid uint32) (protocol.Reading, error) {
	p, ok := ch.points.Get(pid)
	if !ok {
		return protocol.Reading{}, fmt.Errorf("combase: channel %d has no point %d", ch.id, pid)
	}
	if !p.Readable {
		return protocol.Reading{}, fmt.Errorf("combase: point %d is not readable", pid)
	}

	field := strconv.FormatUint(uint64(pid), 10)
	value, err := ch.st.HGet(ctx, ch.ks.ChannelKey(ch.id, p.Type), field)
	if err == nil {
		raw, _ := ch.st.HGet(ctx, ch.ks.ChannelRawKey(ch.id, p.Type), field)
		at := time.Now()
		if tsRaw, err := ch.st.HGet(ctx, ch.ks.ChannelTSKey(ch.id, p.Type), field); err == nil {
			if ms, err := strconv.ParseInt(tsRaw, 10, 64); err == nil {
				at = time.UnixMilli(ms)
			}
		}
		return protocol.Reading{PointID: pid, Value: value, Raw: raw, Quality: protocol.Good, At: at}, nil
	}

	readings, err := ch.driver.ExecuteReads(ctx)
	if err != nil {
		ch.errors.Add(1)
		return protocol.Reading{}, fmt.Errorf("combase: forced read for point %d: %w", pid, err)
	}
	for _, r := range readings {
		if r.PointID == pid {
			return r, nil
		}
	}
	return protocol.Reading{}, fmt.Errorf("combase: point %d absent from driver read", pid)
}

// WritePoint validates writability, issues the driver write, and on
// success publishes the value and applies C2M channel-internal
// feedback (§4.7).
func (ch *Channel) WritePoint(ctx context.Context, pid uint32, value string) error {
	p, ok := ch.points.Get(pid)
	if !ok {
		return fmt.Errorf("combase: channel %d has no point %d", ch.id, pid)
	}
	if !p.Writable {
		return fmt.Errorf("combase: point %d is not writable", pid)
	}

	if err := ch.driver.ExecuteWrites(ctx, []protocol.WriteCommand{{PointID: pid, Value: value}}); err != nil {
		ch.errors.Add(1)
		return fmt.Errorf("combase: write point %d: %w", pid, err)
	}

	return ch.PublishUplink(ctx, pid, value, value, time.Now())
}

// HandleCommand executes a Control or Adjustment command arriving via
// subscription, producing a driver write (§4.7, §4.8's low-latency
// sibling path).
func (ch *Channel) HandleCommand(ctx context.Context, cmd Command) error {
	ch.commands.Add(1)
	p, ok := ch.points.Get(cmd.PointID)
	if !ok || !p.Type.IsDownlink() {
		return fmt.Errorf("combase: point %d is not a command point on channel %d", cmd.PointID, ch.id)
	}
	return ch.WritePoint(ctx, cmd.PointID, cmd.Value)
}

// PublishUplink commits {value, ts, raw} and the event publish as one
// pipeline, then applies the C2M routing mirror (§4.7, INV-3). The
// pipeline scope is the channel-side triple plus its event; the routing
// mirror is a second,
// independent store round-trip, matching how routing.Cache's own
// Apply* methods already operate directly against the store rather
// than inside a caller-supplied pipeline.
func (ch *Channel) PublishUplink(ctx context.Context, pid uint32, value, raw string, ts time.Time) error {
	p, ok := ch.points.Get(pid)
	if !ok {
		return fmt.Errorf("combase: channel %d has no point %d", ch.id, pid)
	}

	field := strconv.FormatUint(uint64(pid), 10)
	start := time.Now()
	err := ch.st.WithPipeline(ctx, func(pl store.Pipeline) error {
		pl.HSet(ctx, ch.ks.ChannelKey(ch.id, p.Type), field, value)
		pl.HSet(ctx, ch.ks.ChannelTSKey(ch.id, p.Type), field, strconv.FormatInt(ts.UnixMilli(), 10))
		pl.HSet(ctx, ch.ks.ChannelRawKey(ch.id, p.Type), field, raw)
		pl.Publish(ctx, ch.ks.ChannelEventChannel(ch.id, p.Type, pid), value)
		return nil
	})
	telemetry.RecordStoreOp("combase_publish", status(err), time.Since(start).Seconds())
	if err != nil {
		ch.errors.Add(1)
		return fmt.Errorf("combase: publish point %d: %w", pid, err)
	}
	ch.publishes.Add(1)

	if ch.routing != nil {
		ch.routing.ApplyC2M(ctx, ch.id, p.Type, pid, value)
	}
	return nil
}

// PublishBatch is the batched form of PublishUplink: it groups updates
// by point type into one hash-set per type, committed as a single
// pipeline, then applies the C2M mirror per changed point (§4.7).
func (ch *Channel) PublishBatch(ctx context.Context, readings []protocol.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	type group struct {
		value, ts, raw map[string]string
		points         []uint32
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	byType := make(map[keyspace.PointType]*group)
	var matched []protocol.Reading

	for _, r := range readings {
		p, ok := ch.points.Get(r.PointID)
		if !ok || !p.Enabled {
			continue
		}
		g := byType[p.Type]
		if g == nil {
			g = &group{value: map[string]string{}, ts: map[string]string{}, raw: map[string]string{}}
			byType[p.Type] = g
		}
		field := strconv.FormatUint(uint64(r.PointID), 10)
		g.value[field] = r.Value
		g.ts[field] = now
		g.raw[field] = r.Raw
		g.points = append(g.points, r.PointID)
		matched = append(matched, r)
	}
	if len(byType) == 0 {
		return nil
	}

	start := time.Now()
	err := ch.st.WithPipeline(ctx, func(pl store.Pipeline) error {
		for pt, g := range byType {
			pl.HSet(ctx, ch.ks.ChannelKey(ch.id, pt), hsetArgs(g.value)...)
			pl.HSet(ctx, ch.ks.ChannelTSKey(ch.id, pt), hsetArgs(g.ts)...)
			pl.HSet(ctx, ch.ks.ChannelRawKey(ch.id, pt), hsetArgs(g.raw)...)
			for _, pid := range g.points {
				field := strconv.FormatUint(uint64(pid), 10)
				pl.Publish(ctx, ch.ks.ChannelEventChannel(ch.id, pt, pid), g.value[field])
			}
		}
		return nil
	})
	telemetry.RecordStoreOp("combase_publish_batch", status(err), time.Since(start).Seconds())
	if err != nil {
		ch.errors.Add(1)
		return fmt.Errorf("combase: publish batch on channel %d: %w", ch.id, err)
	}
	ch.publishes.Add(int64(len(matched)))

	if ch.routing != nil {
		for _, r := range matched {
			p, _ := ch.points.Get(r.PointID)
			ch.routing.ApplyC2M(ctx, ch.id, p.Type, r.PointID, r.Value)
		}
	}
	return nil
}

// Publish implements polling.Sink, handing the poller's changed
// readings to PublishBatch.
func (ch *Channel) Publish(ctx context.Context, _ string, readings []protocol.Reading) error {
	return ch.PublishBatch(ctx, readings)
}

// Diagnostics is the counter/state snapshot §4.7 requires.
type Diagnostics struct {
	State            State
	ChangedAt        time.Time
	Reason           string
	Publishes        int64
	Commands         int64
	Errors           int64
	PointCacheHits   int64
	PointCacheMisses int64
	DriverStats      protocol.Stats
	PollerStats      polling.Stats
}

// Diagnostics returns a snapshot of the channel's counters, its
// lifecycle state with the time and reason of the last transition (the
// error text when it entered StateError), and the driver and poller
// stats (§4.7). The command subscription's state is not reported.
func (ch *Channel) Diagnostics() Diagnostics {
	state, changedAt, reason := ch.life.snapshot()
	hits, misses := ch.points.CacheStats()
	return Diagnostics{
		State:            state,
		ChangedAt:        changedAt,
		Reason:           reason,
		Publishes:        ch.publishes.Load(),
		Commands:         ch.commands.Load(),
		Errors:           ch.errors.Load(),
		PointCacheHits:   hits,
		PointCacheMisses: misses,
		DriverStats:      ch.driver.Stats(),
		PollerStats:      ch.poller.Stats(),
	}
}

func hsetArgs(m map[string]string) []interface{} {
	args := make([]interface{}, 0, len(m)*2)
	for k, v := range m {
		args = append(args, k, v)
	}
	return args
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
