package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeReadRequest builds the PDU for FC 01/02/03/04: function code,
// start address, quantity.
func EncodeReadRequest(fc uint8, startAddress, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], startAddress)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

// EncodeWriteSingleRegister builds the PDU for FC 06.
func EncodeWriteSingleRegister(address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

// EncodeWriteSingleCoil builds the PDU for FC 05. Modbus represents an
// "on" coil as 0xFF00 and "off" as 0x0000.
func EncodeWriteSingleCoil(address uint16, on bool) []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], address)
	if on {
		binary.BigEndian.PutUint16(pdu[3:5], 0xFF00)
	}
	return pdu
}

// EncodeWriteMultipleRegisters builds the PDU for FC 16 from a sequence
// of pre-encoded register words.
func EncodeWriteMultipleRegisters(startAddress uint16, registers []uint16) []byte {
	byteCount := len(registers) * 2
	pdu := make([]byte, 6+byteCount)
	pdu[0] = FuncWriteMultipleRegs
	binary.BigEndian.PutUint16(pdu[1:3], startAddress)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(registers)))
	pdu[5] = byte(byteCount)
	for i, r := range registers {
		binary.BigEndian.PutUint16(pdu[6+i*2:8+i*2], r)
	}
	return pdu
}

// DecodeRegistersResponse strips FC 03/04's response header (function
// code + byte count) and returns the raw register bytes.
func DecodeRegistersResponse(pdu []byte) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: short register response")
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("modbus: register response declares %d bytes, got %d", byteCount, len(pdu)-2)
	}
	return pdu[2 : 2+byteCount], nil
}

// orderedBytes reorders a big-endian register byte sequence per the
// point's configured byte order before it is reinterpreted as a value.
func orderedBytes(raw []byte, order ByteOrder) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	switch order {
	case BADC:
		for i := 0; i+1 < len(out); i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	case CDAB:
		for i, j := 0, len(out)-2; i < j; i, j = i+2, j-2 {
			out[i], out[i+1], out[j], out[j+1] = out[j], out[j+1], out[i], out[i+1]
		}
	case DCBA:
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// DecodeValue converts a point's raw register bytes into its scaled
// float value, applying byte order, data type, bit extraction, and the
// scale/offset linear transform (§4.5.1).
func DecodeValue(p Point, raw []byte) (float64, error) {
	want := int(p.Footprint()) * 2
	if len(raw) < want {
		return 0, fmt.Errorf("modbus: point %d expects %d raw bytes, got %d", p.PointID, want, len(raw))
	}
	ordered := orderedBytes(raw[:want], p.effectiveByteOrder())

	var v float64
	switch p.DataType {
	case "", "uint16":
		v = float64(binary.BigEndian.Uint16(ordered))
	case "int16":
		v = float64(int16(binary.BigEndian.Uint16(ordered)))
	case "bool":
		word := binary.BigEndian.Uint16(ordered)
		bit := (word >> p.BitPosition) & 0x1
		v = float64(bit)
	case "uint32":
		v = float64(binary.BigEndian.Uint32(ordered))
	case "int32":
		v = float64(int32(binary.BigEndian.Uint32(ordered)))
	case "float32":
		v = float64(math.Float32frombits(binary.BigEndian.Uint32(ordered)))
	case "uint64":
		v = float64(binary.BigEndian.Uint64(ordered))
	case "int64":
		v = float64(int64(binary.BigEndian.Uint64(ordered)))
	case "float64":
		v = math.Float64frombits(binary.BigEndian.Uint64(ordered))
	default:
		return 0, fmt.Errorf("modbus: unsupported data type %q", p.DataType)
	}

	scaled := v*p.effectiveScale() + p.Offset
	if p.Reverse {
		if scaled == 0 {
			scaled = 1
		} else {
			scaled = 0
		}
	}
	return scaled, nil
}

// EncodeValue is DecodeValue's inverse: it reverses the scale/offset
// transform and byte order to produce the raw register words a write
// request should carry.
func EncodeValue(p Point, value float64) ([]uint16, error) {
	raw := (value - p.Offset) / p.effectiveScale()

	buf := make([]byte, int(p.Footprint())*2)
	switch p.DataType {
	case "", "uint16":
		binary.BigEndian.PutUint16(buf, uint16(raw))
	case "int16":
		binary.BigEndian.PutUint16(buf, uint16(int16(raw)))
	case "bool":
		if raw != 0 {
			binary.BigEndian.PutUint16(buf, 1<<p.BitPosition)
		}
	case "uint32":
		binary.BigEndian.PutUint32(buf, uint32(raw))
	case "int32":
		binary.BigEndian.PutUint32(buf, uint32(int32(raw)))
	case "float32":
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(raw)))
	case "uint64":
		binary.BigEndian.PutUint64(buf, uint64(raw))
	case "int64":
		binary.BigEndian.PutUint64(buf, uint64(int64(raw)))
	case "float64":
		binary.BigEndian.PutUint64(buf, math.Float64bits(raw))
	default:
		return nil, fmt.Errorf("modbus: unsupported data type %q", p.DataType)
	}

	unordered := orderedBytes(buf, p.effectiveByteOrder())
	regs := make([]uint16, len(unordered)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(unordered[i*2 : i*2+2])
	}
	return regs, nil
}
