package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/transport"
)

// Mode selects the wire framing a Driver uses (§4.5.4).
type Mode string

const (
	ModeTCP Mode = "tcp"
	ModeRTU Mode = "rtu"
)

// Config configures retry, backoff, and batching behavior for a Driver.
type Config struct {
	Mode Mode

	MaxRetries    int
	RetryInterval time.Duration
	ReadTimeout   time.Duration

	// ConsecutiveErrorThreshold is the number of consecutive read
	// failures against one slave before it is marked bad and backed off
	// for ReconnectCooldown (§4.5.5).
	ConsecutiveErrorThreshold int
	ReconnectCooldown         time.Duration

	Planner      PlannerConfig
	BatchWindow  time.Duration
	MaxBatchSize int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.ConsecutiveErrorThreshold <= 0 {
		c.ConsecutiveErrorThreshold = 3
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = 60 * time.Second
	}
	if c.Planner == (PlannerConfig{}) {
		c.Planner = DefaultPlannerConfig()
	}
	return c
}

// Driver is the canonical protocol.Driver implementation: a Modbus
// TCP/RTU client built over a transport.Transport (§4.5).
type Driver struct {
	link transport.Transport
	cfg  Config

	points  []Point
	byPoint map[uint32]Point
	batcher *CommandBatcher

	txCounter atomic.Uint32 // MBAP transaction id, wraps at 16 bits

	mu                sync.Mutex
	consecutiveErrors map[uint8]int
	badUntil          map[uint8]time.Time

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	lastErr   atomic.Value // string
}

// New creates a Driver over link for the given point table.
func New(link transport.Transport, points []Point, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	byPoint := make(map[uint32]Point, len(points))
	for _, p := range points {
		byPoint[p.PointID] = p
	}
	return &Driver{
		link:              link,
		cfg:               cfg,
		points:            points,
		byPoint:           byPoint,
		batcher:           NewCommandBatcher(cfg.BatchWindow, cfg.MaxBatchSize),
		consecutiveErrors: make(map[uint8]int),
		badUntil:          make(map[uint8]time.Time),
	}
}

func (d *Driver) Connect(ctx context.Context) error {
	return d.link.Connect(ctx)
}

func (d *Driver) Disconnect() error {
	return d.link.Disconnect()
}

func (d *Driver) Stats() protocol.Stats {
	lastErr, _ := d.lastErr.Load().(string)
	return protocol.Stats{
		Attempts:  d.attempts.Load(),
		Successes: d.successes.Load(),
		Failures:  d.failures.Load(),
		LastError: lastErr,
	}
}

func (d *Driver) isBad(slaveID uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.badUntil[slaveID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		// cooldown elapsed: lazy reconnection resumes on next read (§4.5.5)
		delete(d.badUntil, slaveID)
		d.consecutiveErrors[slaveID] = 0
		return false
	}
	return true
}

func (d *Driver) recordOutcome(slaveID uint8, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		d.consecutiveErrors[slaveID] = 0
		return
	}
	d.consecutiveErrors[slaveID]++
	if d.consecutiveErrors[slaveID] >= d.cfg.ConsecutiveErrorThreshold {
		d.badUntil[slaveID] = time.Now().Add(d.cfg.ReconnectCooldown)
	}
}

// ExecuteReads plans and executes every read group the point table
// yields, returning one Reading per point in each successfully read
// group, plus Bad-quality readings for points on a backed-off slave.
func (d *Driver) ExecuteReads(ctx context.Context) ([]protocol.Reading, error) {
	groups := PlanReads(d.points, d.cfg.Planner)
	now := time.Now()
	var out []protocol.Reading

	for _, g := range groups {
		if d.isBad(g.SlaveID) {
			for _, p := range g.Points {
				out = append(out, protocol.Reading{PointID: p.PointID, Quality: protocol.Bad, At: now})
			}
			continue
		}

		raw, err := d.doRead(ctx, g)
		d.recordOutcome(g.SlaveID, err)
		if err != nil {
			for _, p := range g.Points {
				out = append(out, protocol.Reading{PointID: p.PointID, Quality: protocol.Bad, At: now})
			}
			continue
		}

		for _, p := range g.Points {
			offset := int(p.RegisterAddress-g.StartAddress) * 2
			end := offset + int(p.Footprint())*2
			if end > len(raw) {
				out = append(out, protocol.Reading{PointID: p.PointID, Quality: protocol.Bad, At: now})
				continue
			}
			value, verr := DecodeValue(p, raw[offset:end])
			if verr != nil {
				out = append(out, protocol.Reading{PointID: p.PointID, Quality: protocol.Bad, At: now})
				continue
			}
			out = append(out, protocol.Reading{
				PointID: p.PointID,
				Value:   fmt.Sprintf("%g", value),
				Raw:     fmt.Sprintf("%x", raw[offset:end]),
				Quality: protocol.Good,
				At:      now,
			})
		}
	}
	return out, nil
}

func (d *Driver) doRead(ctx context.Context, g ReadGroup) ([]byte, error) {
	pdu := EncodeReadRequest(g.FunctionCode, g.StartAddress, g.Count)

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.cfg.RetryInterval):
			}
		}
		respPDU, err := d.roundTrip(ctx, g.SlaveID, pdu)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := DecodeRegistersResponse(respPDU)
		if err != nil {
			lastErr = err
			continue
		}
		return raw, nil
	}
	return nil, lastErr
}

// ExecuteWrites accumulates cmds into the command batcher and flushes
// every (slave, function code) group, choosing single- or multi-point
// encoding per PlanWrites (§4.5.2/§4.5.3).
func (d *Driver) ExecuteWrites(ctx context.Context, cmds []protocol.WriteCommand) error {
	for _, c := range cmds {
		p, ok := d.byPoint[c.PointID]
		if !ok {
			continue
		}
		fc := writeFunctionCode(p)
		d.batcher.Add(BatchCommand{
			PointID:         c.PointID,
			Value:           c.Value,
			SlaveID:         p.SlaveID,
			FunctionCode:    fc,
			RegisterAddress: p.RegisterAddress,
			DataType:        string(p.DataType),
			ByteOrder:       p.ByteOrder,
		})
	}

	grouped := d.batcher.Flush()
	var firstErr error
	for k, group := range grouped {
		plan := PlanWrites(k.slave, k.fc, group)
		if err := d.executeWritePlan(ctx, plan); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeFunctionCode(p Point) uint8 {
	if p.DataType == "bool" {
		return FuncWriteSingleCoil
	}
	return FuncWriteSingleRegister
}

func (d *Driver) executeWritePlan(ctx context.Context, plan WritePlan) error {
	if !plan.Multi {
		for _, c := range plan.Commands {
			p := d.byPoint[c.PointID]
			regs, err := EncodeValue(p, parseFloatOrZero(c.Value))
			if err != nil {
				return err
			}
			var pdu []byte
			if plan.FunctionCode == FuncWriteSingleCoil {
				pdu = EncodeWriteSingleCoil(c.RegisterAddress, regs[0] != 0)
			} else {
				pdu = EncodeWriteSingleRegister(c.RegisterAddress, regs[0])
			}
			if _, err := d.roundTrip(ctx, plan.SlaveID, pdu); err != nil {
				return err
			}
		}
		return nil
	}

	var registers []uint16
	for _, c := range plan.Commands {
		p := d.byPoint[c.PointID]
		regs, err := EncodeValue(p, parseFloatOrZero(c.Value))
		if err != nil {
			return err
		}
		registers = append(registers, regs...)
	}
	pdu := EncodeWriteMultipleRegisters(plan.StartAddress, registers)
	_, err := d.roundTrip(ctx, plan.SlaveID, pdu)
	return err
}

func parseFloatOrZero(s string) float64 {
	var v float64
	_, _ = fmt.Sscanf(s, "%g", &v)
	return v
}

// roundTrip frames pdu per the configured Mode, sends it, and decodes
// the response frame back into its PDU.
func (d *Driver) roundTrip(ctx context.Context, slaveID uint8, pdu []byte) ([]byte, error) {
	d.attempts.Add(1)

	var frame []byte
	if d.cfg.Mode == ModeRTU {
		frame = EncodeRTUFrame(slaveID, pdu)
	} else {
		txID := uint16(d.txCounter.Add(1))
		frame = EncodeMBAPFrame(txID, slaveID, pdu)
	}

	if _, err := d.link.Send(ctx, frame); err != nil {
		d.fail(err)
		return nil, err
	}

	buf := make([]byte, 256)
	n, err := d.link.Receive(ctx, buf, d.cfg.ReadTimeout)
	if err != nil {
		d.fail(err)
		return nil, err
	}
	if n == 0 {
		err := fmt.Errorf("modbus: read timeout from slave %d", slaveID)
		d.fail(err)
		return nil, err
	}

	var respPDU []byte
	if d.cfg.Mode == ModeRTU {
		_, respPDU, err = DecodeRTUFrame(buf[:n])
	} else {
		_, _, respPDU, err = DecodeMBAPFrame(buf[:n])
	}
	if err != nil {
		d.fail(err)
		return nil, err
	}

	d.successes.Add(1)
	return respPDU, nil
}

func (d *Driver) fail(err error) {
	d.failures.Add(1)
	d.lastErr.Store(err.Error())
}
