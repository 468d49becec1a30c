// Package protocol defines the capability set every field protocol
// driver implements (§4.5/§9): connect, a read plan, a write plan, and
// stats. The polling engine and command dispatcher are written against
// this interface only, so they never special-case Modbus, IEC-104, or
// CAN (§4.6, driver-agnostic).
package protocol

import (
	"context"
	"time"
)

// DataType is a point's wire representation, shared by every driver's
// point table (§4.5.1).
type DataType string

const (
	Bool    DataType = "bool"
	Int16   DataType = "int16"
	Uint16  DataType = "uint16"
	Int32   DataType = "int32"
	Uint32  DataType = "uint32"
	Float32 DataType = "float32"
	Int64   DataType = "int64"
	Uint64  DataType = "uint64"
	Float64 DataType = "float64"
)

// RegisterFootprint returns the number of 16-bit registers a value of
// this type occupies, used by both the planner's span coalescing and
// the batcher's consecutive-write check.
func (d DataType) RegisterFootprint() int {
	switch d {
	case Bool, Int16, Uint16:
		return 1
	case Int32, Uint32, Float32:
		return 2
	case Int64, Uint64, Float64:
		return 4
	default:
		return 1
	}
}

// Quality tags the freshness of a point's last read, surfaced to the
// store as part of the value triple (§4.6).
type Quality string

const (
	Good  Quality = "good"
	Stale Quality = "stale"
	Bad   Quality = "bad"
)

// Reading is one point's value as returned by a read plan execution.
type Reading struct {
	PointID uint32
	Value   string
	Raw     string
	Quality Quality
	At      time.Time
}

// WriteCommand is one point's pending write, as handed to ExecuteWrites
// by the dispatcher (§4.8) after a TODO entry is popped.
type WriteCommand struct {
	PointID uint32
	Value   string
}

// Stats mirrors transport.Stats so a driver's health reads the same way
// as its underlying link's (§4.4).
type Stats struct {
	Attempts  int64
	Successes int64
	Failures  int64
	LastError string
}

// Driver is the capability set a protocol implementation exposes to the
// channel runtime, polling engine, and dispatcher (§9).
type Driver interface {
	// Connect establishes the driver's transport and, where applicable,
	// negotiates any session state (e.g. IEC-104 STARTDT).
	Connect(ctx context.Context) error

	// Disconnect tears down the driver's transport.
	Disconnect() error

	// ExecuteReads reads every readable point the driver's point table
	// declares, internally batching per the protocol's planner, and
	// returns one Reading per point actually attempted.
	ExecuteReads(ctx context.Context) ([]Reading, error)

	// ExecuteWrites applies a batch of pending writes, internally
	// deciding single- vs multi-point encoding per the protocol's
	// planner/batcher rules.
	ExecuteWrites(ctx context.Context, cmds []WriteCommand) error

	// Stats returns the driver's request counters.
	Stats() Stats
}
