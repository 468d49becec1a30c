package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	frame := EncodeFrame(0x123, payload, 8)

	canID, got, dlc, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.EqualValues(t, 0x123, canID)
	assert.Equal(t, payload, got)
	assert.EqualValues(t, 8, dlc)
}

func TestDecodeValueLittleEndianUint16(t *testing.T) {
	p := Point{ByteOffset: 0, Length: 2, DataType: protocol.Uint16, Scale: 1}
	v, err := DecodeValue(p, [8]byte{0x64, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)
}

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	p := Point{ByteOffset: 2, Length: 4, DataType: protocol.Float32, BigEndian: true, Scale: 1}
	var payload [8]byte
	require.NoError(t, EncodeValue(p, 12.5, &payload))

	v, err := DecodeValue(p, payload)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v, 1e-6)
}

func TestPointValidateRejectsOutOfRangeIdentifier(t *testing.T) {
	p := Point{CANID: 0x800, Length: 1}
	assert.Error(t, p.validate())
}

func TestPointValidateRejectsOverrunningOffset(t *testing.T) {
	p := Point{CANID: 0x100, ByteOffset: 6, Length: 4}
	assert.Error(t, p.validate())
}
