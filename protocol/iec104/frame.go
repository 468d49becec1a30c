package iec104

import (
	"encoding/binary"
	"fmt"
	"math"
)

// startByte is the fixed APCI start delimiter (§5.5a/IEC 60870-5-104).
const startByte = 0x68

// apciLen is the fixed 6-byte APCI (start + length + 4 control octets).
const apciLen = 6

// EncodeIFrame wraps an ASDU in an I-format APCI: the information
// transfer frame carrying send/receive sequence numbers.
func EncodeIFrame(sendSeq, recvSeq uint16, asdu []byte) []byte {
	frame := make([]byte, apciLen+len(asdu))
	frame[0] = startByte
	frame[1] = byte(apciLen - 2 + len(asdu))
	binary.LittleEndian.PutUint16(frame[2:4], sendSeq<<1)
	binary.LittleEndian.PutUint16(frame[4:6], recvSeq<<1)
	copy(frame[apciLen:], asdu)
	return frame
}

// DecodeIFrame validates the APCI length and unwraps the ASDU payload,
// along with the send/receive sequence numbers.
func DecodeIFrame(frame []byte) (sendSeq, recvSeq uint16, asdu []byte, err error) {
	if len(frame) < apciLen {
		return 0, 0, nil, fmt.Errorf("iec104: frame shorter than APCI header: %d bytes", len(frame))
	}
	if frame[0] != startByte {
		return 0, 0, nil, fmt.Errorf("iec104: missing start byte, got %#x", frame[0])
	}
	declared := int(frame[1])
	if len(frame) != declared+2 {
		return 0, 0, nil, fmt.Errorf("iec104: APCI length field declares %d, frame has %d total bytes", declared, len(frame))
	}
	if frame[2]&0x01 != 0 {
		return 0, 0, nil, fmt.Errorf("iec104: control field is not I-format")
	}
	sendSeq = binary.LittleEndian.Uint16(frame[2:4]) >> 1
	recvSeq = binary.LittleEndian.Uint16(frame[4:6]) >> 1
	return sendSeq, recvSeq, frame[apciLen:], nil
}

// asduHeaderLen is type id (1) + VSQ (1) + cause of transmission (1) +
// common address (2), before any information objects.
const asduHeaderLen = 5

const ioaLen = 3

// EncodeASDU builds a single-object ASDU: type identifier, a VSQ of 1
// (not a sequence), the cause of transmission, the common address, one
// 3-byte IOA, and an object-specific payload.
func EncodeASDU(t TypeID, cause uint8, commonAddr uint16, ioa uint32, object []byte) []byte {
	asdu := make([]byte, asduHeaderLen+ioaLen+len(object))
	asdu[0] = byte(t)
	asdu[1] = 1 // one information object, not a sequence
	asdu[2] = cause
	binary.LittleEndian.PutUint16(asdu[3:5], commonAddr)
	putIOA(asdu[5:8], ioa)
	copy(asdu[8:], object)
	return asdu
}

// DecodeASDU splits an ASDU into its header fields and the first
// information object's IOA and payload. Only single-object (VSQ=1)
// ASDUs are supported, matching what EncodeASDU produces.
func DecodeASDU(asdu []byte) (t TypeID, cause uint8, commonAddr uint16, ioa uint32, object []byte, err error) {
	if len(asdu) < asduHeaderLen+ioaLen {
		return 0, 0, 0, 0, nil, fmt.Errorf("iec104: ASDU shorter than header+IOA: %d bytes", len(asdu))
	}
	t = TypeID(asdu[0])
	cause = asdu[2]
	commonAddr = binary.LittleEndian.Uint16(asdu[3:5])
	ioa = getIOA(asdu[5:8])
	return t, cause, commonAddr, ioa, asdu[8:], nil
}

func putIOA(b []byte, ioa uint32) {
	b[0] = byte(ioa)
	b[1] = byte(ioa >> 8)
	b[2] = byte(ioa >> 16)
}

func getIOA(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// EncodeSIQ/DIQ encode the one-byte monitoring-point quality+value
// descriptors M_SP_NA_1 and M_DP_NA_1 carry.
func EncodeSIQ(value bool) byte {
	if value {
		return 0x01
	}
	return 0x00
}

func DecodeSIQ(b byte) (value bool, invalid bool) {
	return b&0x01 != 0, b&0x80 != 0
}

func EncodeDIQ(state uint8) byte {
	return state & 0x03
}

func DecodeDIQ(b byte) (state uint8, invalid bool) {
	return b & 0x03, b&0x80 != 0
}

// EncodeScaled/DecodeScaled carry M_ME_NB_1's 16-bit signed value plus
// a trailing QDS quality byte.
func EncodeScaled(value int16) []byte {
	b := make([]byte, 3)
	binary.LittleEndian.PutUint16(b[0:2], uint16(value))
	return b
}

func DecodeScaled(b []byte) (int16, error) {
	if len(b) < 3 {
		return 0, fmt.Errorf("iec104: scaled value object too short: %d bytes", len(b))
	}
	return int16(binary.LittleEndian.Uint16(b[0:2])), nil
}

// EncodeShortFloat/DecodeShortFloat carry C_SE_NC_1/M_ME_NC_1's IEEE-754
// float32 value plus a trailing QOS/QDS quality byte.
func EncodeShortFloat(value float32) []byte {
	b := make([]byte, 5)
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(value))
	return b
}

func DecodeShortFloat(b []byte) (float32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("iec104: short float object too short: %d bytes", len(b))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])), nil
}
