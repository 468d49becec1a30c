package iec104

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/transport"
)

// causeActivation and causeSpontaneous are the two causes-of-transmission
// this driver emits/recognizes; the standard defines many more, outside
// this subset's scope (§5.5a).
const (
	causeActivation  uint8 = 6
	causeSpontaneous uint8 = 3
)

type pointKey struct {
	commonAddr uint16
	ioa        uint32
}

// Config configures an IEC-104 Driver's timeouts.
type Config struct {
	ReadTimeout  time.Duration
	DrainTimeout time.Duration // bounds how long ExecuteReads keeps draining after interrogation
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	return c
}

// Driver is a protocol.Driver over IEC 60870-5-104: a thinner sibling
// of the Modbus driver that issues a general interrogation instead of
// addressed register reads, then drains the resulting spontaneous
// monitoring ASDUs (§5.5a).
type Driver struct {
	link transport.Transport
	cfg  Config

	byKey   map[pointKey]Point
	byPoint map[uint32]Point

	sendSeq atomic.Uint32
	recvSeq atomic.Uint32

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	lastErr   atomic.Value
}

// New creates an IEC-104 Driver over link for the given point table.
func New(link transport.Transport, points []Point, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	byKey := make(map[pointKey]Point, len(points))
	byPoint := make(map[uint32]Point, len(points))
	for _, p := range points {
		byKey[pointKey{p.CommonAddress, p.IOA}] = p
		byPoint[p.PointID] = p
	}
	return &Driver{link: link, cfg: cfg, byKey: byKey, byPoint: byPoint}
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

// ExecuteReads issues a general interrogation per distinct common
// address in the point table, then drains and decodes monitoring
// ASDUs until DrainTimeout elapses or the link goes quiet.
func (d *Driver) ExecuteReads(ctx context.Context) ([]protocol.Reading, error) {
	sent := make(map[uint16]bool)
	for k := range d.byKey {
		if sent[k.commonAddr] {
			continue
		}
		sent[k.commonAddr] = true
		if err := d.sendGeneralInterrogation(ctx, k.commonAddr); err != nil {
			return nil, err
		}
	}

	var out []protocol.Reading
	deadline := time.Now().Add(d.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		asdu, err := d.readOne(ctx)
		if err != nil {
			d.failures.Add(1)
			d.lastErr.Store(err.Error())
			return out, err
		}
		if asdu == nil {
			break // link quiet, nothing left to drain
		}
		reading, ok := d.decodeMonitoring(asdu)
		if ok {
			out = append(out, reading)
		}
	}
	return out, nil
}

func (d *Driver) sendGeneralInterrogation(ctx context.Context, commonAddr uint16) error {
	asdu := EncodeASDU(CGeneralInterro, causeActivation, commonAddr, 0, []byte{0x14})
	return d.send(ctx, asdu)
}

func (d *Driver) send(ctx context.Context, asdu []byte) error {
	d.attempts.Add(1)
	seq := uint16(d.sendSeq.Load())
	frame := EncodeIFrame(seq, uint16(d.recvSeq.Load()), asdu)
	if _, err := d.link.Send(ctx, frame); err != nil {
		d.failures.Add(1)
		d.lastErr.Store(err.Error())
		return err
	}
	d.sendSeq.Add(1)
	d.successes.Add(1)
	return nil
}

// readOne returns the next ASDU, or nil with no error on a read timeout.
func (d *Driver) readOne(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 256)
	n, err := d.link.Receive(ctx, buf, d.cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	_, recvSeq, asdu, err := DecodeIFrame(buf[:n])
	if err != nil {
		return nil, err
	}
	d.recvSeq.Store(uint32(recvSeq) + 1)
	return asdu, nil
}

func (d *Driver) decodeMonitoring(asdu []byte) (protocol.Reading, bool) {
	t, _, commonAddr, ioa, object, err := DecodeASDU(asdu)
	if err != nil || !t.isMonitoring() {
		return protocol.Reading{}, false
	}
	p, ok := d.byKey[pointKey{commonAddr, ioa}]
	if !ok {
		return protocol.Reading{}, false
	}

	now := time.Now()
	switch t {
	case MSinglePoint:
		if len(object) < 1 {
			return protocol.Reading{}, false
		}
		value, invalid := DecodeSIQ(object[0])
		return d.reading(p, boolToFloat(value), invalid, now), true
	case MDoublePoint:
		if len(object) < 1 {
			return protocol.Reading{}, false
		}
		state, invalid := DecodeDIQ(object[0])
		return d.reading(p, float64(state), invalid, now), true
	case MMeasuredNorm, MMeasuredScaled:
		v, err := DecodeScaled(object)
		if err != nil {
			return protocol.Reading{}, false
		}
		return d.reading(p, float64(v)*p.effectiveScale()+p.Offset, false, now), true
	}
	return protocol.Reading{}, false
}

func (d *Driver) reading(p Point, value float64, invalid bool, at time.Time) protocol.Reading {
	quality := protocol.Good
	if invalid {
		quality = protocol.Bad
	}
	return protocol.Reading{PointID: p.PointID, Value: fmt.Sprintf("%g", value), Quality: quality, At: at}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ExecuteWrites encodes each command point's write into its ASDU type
// (single/double command, or setpoint) and sends one I-frame per
// command.
func (d *Driver) ExecuteWrites(ctx context.Context, cmds []protocol.WriteCommand) error {
	for _, c := range cmds {
		p, ok := d.byPoint[c.PointID]
		if !ok || !p.Type.isCommand() {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(c.Value, "%g", &v); err != nil {
			return fmt.Errorf("iec104: point %d: %w", c.PointID, err)
		}

		var object []byte
		switch p.Type {
		case CSingleCommand:
			object = []byte{EncodeSIQ(v != 0)}
		case CDoubleCommand:
			object = []byte{EncodeDIQ(uint8(v))}
		case CSetpointFloat:
			object = append(EncodeShortFloat(float32((v-p.Offset)/p.effectiveScale())), 0x00)
		case CBitstring32:
			object = EncodeScaled(int16(v))
		}

		asdu := EncodeASDU(p.Type, causeActivation, p.CommonAddress, p.IOA, object)
		if err := d.send(ctx, asdu); err != nil {
			return err
		}
	}
	return nil
}
