package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/protocol"
)

func TestDecodeValueUint16(t *testing.T) {
	p := Point{DataType: protocol.Uint16, Scale: 1}
	v, err := DecodeValue(p, []byte{0x00, 0x64})
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)
}

func TestDecodeValueFloat32(t *testing.T) {
	p := Point{DataType: protocol.Float32, Scale: 1}
	// 123.5f in IEEE-754 big-endian: 0x42F70000
	v, err := DecodeValue(p, []byte{0x42, 0xF7, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 123.5, v)
}

func TestDecodeValueAppliesScaleAndOffset(t *testing.T) {
	p := Point{DataType: protocol.Uint16, Scale: 0.1, Offset: -5}
	v, err := DecodeValue(p, []byte{0x03, 0xE8}) // 1000
	require.NoError(t, err)
	assert.InDelta(t, 95.0, v, 1e-9)
}

func TestDecodeValueBoolExtractsBit(t *testing.T) {
	p := Point{DataType: "bool", BitPosition: 3}
	v, err := DecodeValue(p, []byte{0x00, 0b00001000})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestDecodeValueReverseInvertsBoolean(t *testing.T) {
	p := Point{DataType: "bool", BitPosition: 0, Reverse: true}
	v, err := DecodeValue(p, []byte{0x00, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)
}

func TestDecodeValueByteOrderCDAB(t *testing.T) {
	// float32 123.5 stored as CDAB: swap register pair order
	p := Point{DataType: protocol.Float32, ByteOrder: CDAB, Scale: 1}
	v, err := DecodeValue(p, []byte{0x00, 0x00, 0x42, 0xF7})
	require.NoError(t, err)
	assert.Equal(t, 123.5, v)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Point{DataType: protocol.Float32, Scale: 2, Offset: 1}
	regs, err := EncodeValue(p, 51.0) // raw = (51-1)/2 = 25
	require.NoError(t, err)
	require.Len(t, regs, 2)

	raw := make([]byte, 4)
	raw[0] = byte(regs[0] >> 8)
	raw[1] = byte(regs[0])
	raw[2] = byte(regs[1] >> 8)
	raw[3] = byte(regs[1])

	v, err := DecodeValue(p, raw)
	require.NoError(t, err)
	assert.InDelta(t, 51.0, v, 1e-6)
}

func TestEncodeReadRequest(t *testing.T) {
	pdu := EncodeReadRequest(FuncReadHoldingRegisters, 100, 10)
	assert.Equal(t, []byte{0x03, 0x00, 0x64, 0x00, 0x0A}, pdu)
}

func TestDecodeRegistersResponse(t *testing.T) {
	pdu := []byte{FuncReadHoldingRegisters, 4, 0x00, 0x01, 0x00, 0x02}
	raw, err := DecodeRegistersResponse(pdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x02}, raw)
}

func TestDecodeRegistersResponseShort(t *testing.T) {
	_, err := DecodeRegistersResponse([]byte{FuncReadHoldingRegisters, 10, 0x01})
	require.Error(t, err)
}
