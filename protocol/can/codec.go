package can

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/voltage-ems/core/protocol"
)

// EncodeFrame builds a SocketCAN struct can_frame byte layout: 4-byte
// identifier, dlc, 3 pad bytes, 8-byte payload.
func EncodeFrame(canID uint32, payload [8]byte, dlc uint8) []byte {
	frame := make([]byte, FrameLen)
	binary.LittleEndian.PutUint32(frame[0:4], canID)
	frame[4] = dlc
	copy(frame[8:16], payload[:])
	return frame
}

// DecodeFrame splits a raw transport frame back into its identifier and
// payload.
func DecodeFrame(raw []byte) (canID uint32, payload [8]byte, dlc uint8, err error) {
	if len(raw) != FrameLen {
		return 0, payload, 0, fmt.Errorf("can: frame must be %d bytes, got %d", FrameLen, len(raw))
	}
	canID = binary.LittleEndian.Uint32(raw[0:4]) & 0x1FFFFFFF // mask EFF/RTR/ERR flag bits
	dlc = raw[4]
	copy(payload[:], raw[8:16])
	return canID, payload, dlc, nil
}

func fieldBytes(payload [8]byte, p Point) []byte {
	return payload[p.ByteOffset : p.ByteOffset+p.Length]
}

func byteOrder(p Point) binary.ByteOrder {
	if p.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// DecodeValue extracts and scales a point's value out of a frame payload.
func DecodeValue(p Point, payload [8]byte) (float64, error) {
	raw := fieldBytes(payload, p)
	order := byteOrder(p)

	var v float64
	switch p.DataType {
	case protocol.Bool:
		v = float64(raw[0] & 0x01)
	case protocol.Int16:
		v = float64(int16(order.Uint16(raw)))
	case protocol.Uint16:
		v = float64(order.Uint16(raw))
	case protocol.Int32:
		v = float64(int32(order.Uint32(raw)))
	case protocol.Uint32:
		v = float64(order.Uint32(raw))
	case protocol.Float32:
		v = float64(math.Float32frombits(order.Uint32(raw)))
	case protocol.Int64:
		v = float64(int64(order.Uint64(raw)))
	case protocol.Uint64:
		v = float64(order.Uint64(raw))
	case protocol.Float64:
		v = math.Float64frombits(order.Uint64(raw))
	default:
		return 0, fmt.Errorf("can: unsupported data type %q", p.DataType)
	}
	return v*p.effectiveScale() + p.Offset, nil
}

// EncodeValue writes a scaled value into its byte range of a payload.
func EncodeValue(p Point, value float64, payload *[8]byte) error {
	raw := (*payload)[p.ByteOffset : p.ByteOffset+p.Length]
	order := byteOrder(p)
	scaled := (value - p.Offset) / p.effectiveScale()

	switch p.DataType {
	case protocol.Bool:
		if scaled != 0 {
			raw[0] = 1
		} else {
			raw[0] = 0
		}
	case protocol.Int16, protocol.Uint16:
		order.PutUint16(raw, uint16(int16(scaled)))
	case protocol.Int32, protocol.Uint32:
		order.PutUint32(raw, uint32(int32(scaled)))
	case protocol.Float32:
		order.PutUint32(raw, math.Float32bits(float32(scaled)))
	case protocol.Int64, protocol.Uint64:
		order.PutUint64(raw, uint64(int64(scaled)))
	case protocol.Float64:
		order.PutUint64(raw, math.Float64bits(scaled))
	default:
		return fmt.Errorf("can: unsupported data type %q", p.DataType)
	}
	return nil
}
