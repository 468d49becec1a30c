package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := OpenSQLStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreChannelRoundTrip(t *testing.T) {
	s := newTestSQLStore(t)

	require.NoError(t, s.UpsertChannel(ChannelRow{
		ChannelID: 1, Name: "inverter_01", Protocol: "modbus", Enabled: true, ConfigJSON: "{}",
	}))
	require.NoError(t, s.UpsertChannel(ChannelRow{
		ChannelID: 2, Name: "meter_01", Protocol: "iec104", Enabled: false,
	}))

	rows, err := s.Channels()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint16(1), rows[0].ChannelID)
	require.Equal(t, "inverter_01", rows[0].Name)
}

func TestSQLStoreTelemetryPointRoundTrip(t *testing.T) {
	s := newTestSQLStore(t)

	require.NoError(t, s.UpsertTelemetryPoint(TelemetryPointRow{pointRow: pointRow{
		ChannelID: 1, PointID: 10, SignalName: "voltage", Scale: 0.1, Unit: "V",
		Slave: 1, FC: 3, Register: 40001, DataType: "float32", ByteOrder: "ABCD",
	}}))
	require.NoError(t, s.UpsertTelemetryPoint(TelemetryPointRow{pointRow: pointRow{
		ChannelID: 1, PointID: 11, SignalName: "current",
	}}))
	require.NoError(t, s.UpsertTelemetryPoint(TelemetryPointRow{pointRow: pointRow{
		ChannelID: 2, PointID: 1, SignalName: "other_channel",
	}}))

	rows, err := s.TelemetryPoints(1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "voltage", rows[0].SignalName)
}

func TestSQLStoreUpsertOverwritesExistingRow(t *testing.T) {
	s := newTestSQLStore(t)

	require.NoError(t, s.UpsertChannel(ChannelRow{ChannelID: 1, Name: "first", Protocol: "modbus"}))
	require.NoError(t, s.UpsertChannel(ChannelRow{ChannelID: 1, Name: "renamed", Protocol: "modbus"}))

	rows, err := s.Channels()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "renamed", rows[0].Name)
}
