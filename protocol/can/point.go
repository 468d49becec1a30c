package can

import (
	"fmt"

	"github.com/voltage-ems/core/protocol"
)

// FrameLen is the fixed SocketCAN struct can_frame size the transport
// layer already frames at (4-byte id + dlc + 3 pad + 8 data bytes).
const FrameLen = 16

// Point maps one signal to a byte range within a fixed 11-bit CAN
// identifier's 8-byte data payload (§5.5a: "CAN models fixed 11-bit
// identifiers with a byte-offset point table").
type Point struct {
	PointID    uint32
	CANID      uint32 // 11-bit standard identifier, 0x000-0x7FF
	ByteOffset uint8  // offset into the 8-byte payload
	Length     uint8  // 1, 2, 4, or 8 bytes
	DataType   protocol.DataType
	BigEndian  bool // payload byte order; CAN has no framing convention of its own
	Scale      float64
	Offset     float64
	Writable   bool
}

func (p Point) validate() error {
	if p.CANID > 0x7FF {
		return fmt.Errorf("can: point %d: identifier %x exceeds 11-bit range", p.PointID, p.CANID)
	}
	if int(p.ByteOffset)+int(p.Length) > 8 {
		return fmt.Errorf("can: point %d: offset %d + length %d overruns an 8-byte payload", p.PointID, p.ByteOffset, p.Length)
	}
	switch p.Length {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("can: point %d: length %d must be 1, 2, 4, or 8", p.PointID, p.Length)
	}
	return nil
}

func (p Point) effectiveScale() float64 {
	if p.Scale == 0 {
		return 1
	}
	return p.Scale
}
