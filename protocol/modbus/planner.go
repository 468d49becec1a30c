package modbus

import "sort"

// DefaultMaxGap is the default address distance allowed within one PDU
// before the planner starts a new read group (§4.5.2).
const DefaultMaxGap = 5

// DefaultMaxRegistersPerRead applies to holding/input register reads;
// coil/discrete-input reads default to DefaultMaxBitsPerRead instead.
const (
	DefaultMaxRegistersPerRead = 100
	DefaultMaxBitsPerRead      = 2000
)

// ReadGroup is one contiguous span the planner has coalesced points
// into; a driver iteration issues one read request per group.
type ReadGroup struct {
	SlaveID      uint8
	FunctionCode uint8
	StartAddress uint16
	Count        uint16 // registers (FC 03/04) or bits (FC 01/02) spanned
	Points       []Point
}

// PlannerConfig bounds how aggressively the planner coalesces reads.
type PlannerConfig struct {
	MaxGap              uint16
	MaxRegistersPerRead uint16
	MaxBitsPerRead      uint16
}

// DefaultPlannerConfig returns the §4.5.2 defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxGap:              DefaultMaxGap,
		MaxRegistersPerRead: DefaultMaxRegistersPerRead,
		MaxBitsPerRead:      DefaultMaxBitsPerRead,
	}
}

func (c PlannerConfig) ceilingFor(fc uint8) uint16 {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return c.MaxBitsPerRead
	default:
		return c.MaxRegistersPerRead
	}
}

// footprintFor returns a point's address-space footprint for planning
// purposes: bit points occupy one address each, register points occupy
// Footprint() 16-bit registers.
func footprintFor(p Point) uint16 {
	switch p.FunctionCode {
	case FuncReadCoils, FuncReadDiscreteInputs:
		return 1
	default:
		return p.Footprint()
	}
}

// PlanReads groups readable points by (slave_id, function_code), sorts
// each group by register_address, and coalesces them into contiguous
// spans respecting max_gap and the per-function-code register ceiling
// (§4.5.2). Groups are returned sorted by (slave_id, function_code,
// start_address) for deterministic iteration order.
func PlanReads(points []Point, cfg PlannerConfig) []ReadGroup {
	type key struct {
		slave uint8
		fc    uint8
	}
	byGroup := make(map[key][]Point)
	for _, p := range points {
		if !p.isRead() {
			continue
		}
		k := key{p.SlaveID, p.FunctionCode}
		byGroup[k] = append(byGroup[k], p)
	}

	var groups []ReadGroup
	for k, pts := range byGroup {
		sort.Slice(pts, func(i, j int) bool { return pts[i].RegisterAddress < pts[j].RegisterAddress })

		ceiling := cfg.ceilingFor(k.fc)
		var span *ReadGroup
		for _, p := range pts {
			fp := footprintFor(p)
			end := p.RegisterAddress + fp // exclusive end of this point

			if span != nil {
				spanEnd := span.StartAddress + span.Count
				gap := int(p.RegisterAddress) - int(spanEnd)
				fits := int(end-span.StartAddress) <= int(ceiling)
				if gap <= int(cfg.MaxGap) && fits {
					if end > span.StartAddress+span.Count {
						span.Count = end - span.StartAddress
					}
					span.Points = append(span.Points, p)
					continue
				}
				groups = append(groups, *span)
				span = nil
			}

			span = &ReadGroup{
				SlaveID:      k.slave,
				FunctionCode: k.fc,
				StartAddress: p.RegisterAddress,
				Count:        fp,
				Points:       []Point{p},
			}
		}
		if span != nil {
			groups = append(groups, *span)
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].SlaveID != groups[j].SlaveID {
			return groups[i].SlaveID < groups[j].SlaveID
		}
		if groups[i].FunctionCode != groups[j].FunctionCode {
			return groups[i].FunctionCode < groups[j].FunctionCode
		}
		return groups[i].StartAddress < groups[j].StartAddress
	})
	return groups
}

// WritePlan describes how to encode a batch of same-(slave,fc) writes:
// either one multi-register request (Multi=true) when register
// addresses are strictly consecutive, or a sequence of single-point
// requests otherwise (§4.5.2's write rule). Coil writes always take the
// single-point path; no multi-coil (FC 15) request is built.
type WritePlan struct {
	SlaveID      uint8
	FunctionCode uint8
	Multi        bool
	StartAddress uint16
	Commands     []BatchCommand // sorted by address when Multi
}

// PlanWrites decides single- vs multi-register encoding for one
// (slave, fc)-grouped batch of pending writes.
func PlanWrites(slaveID, fc uint8, cmds []BatchCommand) WritePlan {
	plan := WritePlan{SlaveID: slaveID, FunctionCode: fc, Commands: cmds}
	if len(cmds) < 2 || fc == FuncWriteSingleCoil || !AreStrictlyConsecutive(cmds) {
		return plan
	}

	sorted := make([]BatchCommand, len(cmds))
	copy(sorted, cmds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RegisterAddress < sorted[j].RegisterAddress })

	plan.Multi = true
	plan.StartAddress = sorted[0].RegisterAddress
	plan.Commands = sorted
	return plan
}
