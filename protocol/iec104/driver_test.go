package iec104

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/protocol"
	"github.com/voltage-ems/core/transport"
)

func TestDriverExecuteReadsDecodesSinglePoint(t *testing.T) {
	mt := transport.NewMockTransport()
	points := []Point{{PointID: 1, CommonAddress: 1, IOA: 100, Type: MSinglePoint}}
	d := New(mt, points, Config{DrainTimeout: 20 * time.Millisecond, ReadTimeout: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	asdu := EncodeASDU(MSinglePoint, causeSpontaneous, 1, 100, []byte{EncodeSIQ(true)})
	mt.QueueReceive(EncodeIFrame(0, 0, asdu))

	readings, err := d.ExecuteReads(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, protocol.Good, readings[0].Quality)
	assert.Equal(t, "1", readings[0].Value)

	sent := mt.Sent()
	require.Len(t, sent, 1, "one general interrogation per common address")
	_, _, giASDU, err := DecodeIFrame(sent[0])
	require.NoError(t, err)
	typeID, _, _, _, _, err := DecodeASDU(giASDU)
	require.NoError(t, err)
	assert.Equal(t, CGeneralInterro, typeID)
}

func TestDriverExecuteReadsScaledValueAppliesScale(t *testing.T) {
	mt := transport.NewMockTransport()
	points := []Point{{PointID: 2, CommonAddress: 1, IOA: 200, Type: MMeasuredScaled, Scale: 0.5}}
	d := New(mt, points, Config{DrainTimeout: 20 * time.Millisecond, ReadTimeout: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	asdu := EncodeASDU(MMeasuredScaled, causeSpontaneous, 1, 200, EncodeScaled(20))
	mt.QueueReceive(EncodeIFrame(0, 0, asdu))

	readings, err := d.ExecuteReads(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "10", readings[0].Value)
}

func TestDriverExecuteReadsIgnoresUnmatchedIOA(t *testing.T) {
	mt := transport.NewMockTransport()
	points := []Point{{PointID: 1, CommonAddress: 1, IOA: 100, Type: MSinglePoint}}
	d := New(mt, points, Config{DrainTimeout: 20 * time.Millisecond, ReadTimeout: 5 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	asdu := EncodeASDU(MSinglePoint, causeSpontaneous, 1, 999, []byte{EncodeSIQ(true)})
	mt.QueueReceive(EncodeIFrame(0, 0, asdu))

	readings, err := d.ExecuteReads(ctx)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestDriverExecuteWritesSingleCommand(t *testing.T) {
	mt := transport.NewMockTransport()
	points := []Point{{PointID: 1, CommonAddress: 1, IOA: 500, Type: CSingleCommand}}
	d := New(mt, points, Config{})
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	err := d.ExecuteWrites(ctx, []protocol.WriteCommand{{PointID: 1, Value: "1"}})
	require.NoError(t, err)

	sent := mt.Sent()
	require.Len(t, sent, 1)
	_, _, asdu, err := DecodeIFrame(sent[0])
	require.NoError(t, err)
	typeID, _, _, ioa, object, err := DecodeASDU(asdu)
	require.NoError(t, err)
	assert.Equal(t, CSingleCommand, typeID)
	assert.EqualValues(t, 500, ioa)
	value, _ := DecodeSIQ(object[0])
	assert.True(t, value)
}

func TestDriverExecuteWritesSetpointFloat(t *testing.T) {
	mt := transport.NewMockTransport()
	points := []Point{{PointID: 1, CommonAddress: 1, IOA: 600, Type: CSetpointFloat, Scale: 2, Offset: 1}}
	d := New(mt, points, Config{})
	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))

	err := d.ExecuteWrites(ctx, []protocol.WriteCommand{{PointID: 1, Value: "51"}}) // raw = (51-1)/2 = 25
	require.NoError(t, err)

	sent := mt.Sent()
	require.Len(t, sent, 1)
	_, _, asdu, err := DecodeIFrame(sent[0])
	require.NoError(t, err)
	_, _, _, _, object, err := DecodeASDU(asdu)
	require.NoError(t, err)
	v, err := DecodeShortFloat(object)
	require.NoError(t, err)
	assert.Equal(t, float32(25), v)
}
