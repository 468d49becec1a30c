// Package modbus implements the canonical protocol.Driver: a Modbus
// TCP/RTU driver with consecutive-register read planning and
// time-and-size windowed write batching (§4.5).
package modbus

import (
	"fmt"

	"github.com/voltage-ems/core/protocol"
)

// ByteOrder selects how a multi-register value's bytes are ordered on
// the wire (§4.5.1).
type ByteOrder string

const (
	ABCD ByteOrder = "ABCD"
	BADC ByteOrder = "BADC"
	CDAB ByteOrder = "CDAB"
	DCBA ByteOrder = "DCBA"
)

// Function codes used by the planner and codec.
const (
	FuncReadCoils            = 0x01
	FuncReadDiscreteInputs   = 0x02
	FuncReadHoldingRegisters = 0x03
	FuncReadInputRegisters   = 0x04
	FuncWriteSingleCoil      = 0x05
	FuncWriteSingleRegister  = 0x06
	FuncWriteMultipleCoils   = 0x0F
	FuncWriteMultipleRegs    = 0x10
)

// Point declares one Modbus-addressable value (§4.5.1).
type Point struct {
	PointID         uint32
	SlaveID         uint8
	FunctionCode    uint8
	RegisterAddress uint16
	DataType        protocol.DataType
	// RegisterCount overrides the derived footprint; 0 means derive it
	// from DataType.
	RegisterCount uint16
	ByteOrder     ByteOrder
	BitPosition   uint8
	Scale         float64
	Offset        float64
	Reverse       bool
}

// Footprint returns the number of 16-bit registers this point occupies,
// deriving it from DataType when RegisterCount is not set explicitly.
func (p Point) Footprint() uint16 {
	if p.RegisterCount > 0 {
		return p.RegisterCount
	}
	return uint16(p.DataType.RegisterFootprint())
}

func (p Point) effectiveScale() float64 {
	if p.Scale == 0 {
		return 1.0
	}
	return p.Scale
}

func (p Point) effectiveByteOrder() ByteOrder {
	if p.ByteOrder == "" {
		return ABCD
	}
	return p.ByteOrder
}

// isRead reports whether the point's function code is one of the four
// read codes the planner groups reads by.
func (p Point) isRead() bool {
	switch p.FunctionCode {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return true
	default:
		return false
	}
}

func (p Point) validate() error {
	if p.Footprint() == 0 {
		return fmt.Errorf("modbus: point %d has zero register footprint", p.PointID)
	}
	if p.BitPosition > 15 {
		return fmt.Errorf("modbus: point %d bit_position %d out of range", p.PointID, p.BitPosition)
	}
	return nil
}
