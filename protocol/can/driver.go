package can

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/transport"
)

// Config configures a CAN Driver's read timeout and drain behavior.
type Config struct {
	// ReadTimeout bounds a single Receive call while draining pending
	// frames; CAN is a broadcast bus, so a Driver never initiates a read
	// request, it only drains whatever the transport has buffered.
	ReadTimeout time.Duration
	// MaxFramesPerCycle bounds how many frames ExecuteReads drains in
	// one call, so a noisy bus can't starve the polling loop.
	MaxFramesPerCycle int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 50 * time.Millisecond
	}
	if c.MaxFramesPerCycle <= 0 {
		c.MaxFramesPerCycle = 256
	}
	return c
}

// Driver is a protocol.Driver over a raw CAN bus: a thinner sibling of
// the Modbus driver that shares its capability-set shape but replaces
// request/response polling with passive frame draining, since CAN has
// no addressable read transaction (§5.5a).
type Driver struct {
	link transport.Transport
	cfg  Config

	byCANID map[uint32][]Point
	byPoint map[uint32]Point

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	lastErr   atomic.Value

	mu sync.Mutex
}

// New creates a CAN Driver over link for the given point table.
func New(link transport.Transport, points []Point, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	byCANID := make(map[uint32][]Point)
	byPoint := make(map[uint32]Point, len(points))
	for _, p := range points {
		byCANID[p.CANID] = append(byCANID[p.CANID], p)
		byPoint[p.PointID] = p
	}
	return &Driver{link: link, cfg: cfg, byCANID: byCANID, byPoint: byPoint}
}

func (d *Driver) Connect(ctx context.Context) error { return d.link.Connect(ctx) }
func (d *Driver) Disconnect() error                 { return d.link.Disconnect() }

func (d *Driver) Stats() protocol.Stats {
	lastErr, _ := d.lastErr.Load().(string)
	return protocol.Stats{
		Attempts:  d.attempts.Load(),
		Successes: d.successes.Load(),
		Failures:  d.failures.Load(),
		LastError: lastErr,
	}
}

// ExecuteReads drains every frame currently buffered on the bus,
// decodes the points whose CANID matches, and returns one Reading per
// matched point. Unmatched identifiers are silently ignored: a bus
// normally carries traffic for points outside this driver's table.
func (d *Driver) ExecuteReads(ctx context.Context) ([]protocol.Reading, error) {
	var out []protocol.Reading
	now := time.Now()

	for i := 0; i < d.cfg.MaxFramesPerCycle; i++ {
		d.attempts.Add(1)
		buf := make([]byte, FrameLen)
		n, err := d.link.Receive(ctx, buf, d.cfg.ReadTimeout)
		if err != nil {
			d.failures.Add(1)
			d.lastErr.Store(err.Error())
			return out, err
		}
		if n == 0 {
			break // bus quiet: nothing left to drain this cycle
		}
		d.successes.Add(1)

		canID, payload, _, err := DecodeFrame(buf)
		if err != nil {
			continue
		}
		points, ok := d.byCANID[canID]
		if !ok {
			continue
		}
		for _, p := range points {
			value, err := DecodeValue(p, payload)
			if err != nil {
				out = append(out, protocol.Reading{PointID: p.PointID, Quality: protocol.Bad, At: now})
				continue
			}
			out = append(out, protocol.Reading{
				PointID: p.PointID,
				Value:   fmt.Sprintf("%g", value),
				Quality: protocol.Good,
				At:      now,
			})
		}
	}
	return out, nil
}

// ExecuteWrites encodes each writable point's command into its CAN
// frame and sends one frame per distinct CANID, merging commands that
// target the same identifier into a single payload.
func (d *Driver) ExecuteWrites(ctx context.Context, cmds []protocol.WriteCommand) error {
	byFrame := make(map[uint32]*[8]byte)
	dlcByFrame := make(map[uint32]uint8)

	for _, c := range cmds {
		p, ok := d.byPoint[c.PointID]
		if !ok || !p.Writable {
			continue
		}
		payload, ok := byFrame[p.CANID]
		if !ok {
			payload = &[8]byte{}
			byFrame[p.CANID] = payload
		}
		var v float64
		if _, err := fmt.Sscanf(c.Value, "%g", &v); err != nil {
			return fmt.Errorf("can: point %d: %w", c.PointID, err)
		}
		if err := EncodeValue(p, v, payload); err != nil {
			return err
		}
		if end := p.ByteOffset + p.Length; dlcByFrame[p.CANID] < end {
			dlcByFrame[p.CANID] = end
		}
	}

	for canID, payload := range byFrame {
		d.attempts.Add(1)
		frame := EncodeFrame(canID, *payload, dlcByFrame[canID])
		if _, err := d.link.Send(ctx, frame); err != nil {
			d.failures.Add(1)
			d.lastErr.Store(err.Error())
			return err
		}
		d.successes.Add(1)
	}
	return nil
}
