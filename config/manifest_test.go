package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/model"
)

const testManifestYAML = `
channels:
  - id: 1
    name: inverter_01
    protocol: modbus
    enabled: true
    points:
      - point_id: 10
        type: T
        signal_name: voltage
        unit: V
        readable: true
        enabled: true
        slave: 1
        fc: 3
        register: 40001
        data_type: float32
        byte_order: ABCD
        scale: 0.1
instances:
  - id: 7
    name: doubler
    inputs:
      - name: volt
        source: {entity: channel, id: 1, type: T, point_id: 10}
    nodes:
      - name: doubled
        kind: expr
        expr: "volt * 2"
    outputs:
      - name: doubled
        target: {entity: instance, id: 7, type: T, point_id: 99}
routes:
  c2m:
    "1:T:10": "7:T:10"
  m2c:
    "7:A:3": "1:A:3"
`

func writeTestManifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifestYAML), 0o644))
	return path
}

func TestLoadManifestParsesChannelsAndInstances(t *testing.T) {
	m, err := LoadManifest(writeTestManifest(t))
	require.NoError(t, err)

	require.Len(t, m.Channels, 1)
	assert.Equal(t, uint16(1), m.Channels[0].ID)
	assert.Equal(t, "modbus", m.Channels[0].Protocol)
	require.Len(t, m.Channels[0].Points, 1)
	assert.Equal(t, uint32(10), m.Channels[0].Points[0].PointID)

	require.Len(t, m.Instances, 1)
	assert.Equal(t, "doubler", m.Instances[0].Name)
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestManifestRegistryMethods(t *testing.T) {
	m, err := LoadManifest(writeTestManifest(t))
	require.NoError(t, err)

	assert.Equal(t, []uint16{1}, m.ChannelIDs())
	assert.Equal(t, []uint32{7}, m.InstanceIDs())
	assert.Equal(t, []uint32{10}, m.ChannelPointIDs(1, keyspace.Telemetry))
	assert.Empty(t, m.ChannelPointIDs(1, keyspace.Control))
	assert.Equal(t, []uint32{99}, m.InstancePointIDs(7, keyspace.Telemetry))
}

func TestManifestChannelModbusPoints(t *testing.T) {
	m, err := LoadManifest(writeTestManifest(t))
	require.NoError(t, err)

	ch, ok := m.ChannelByID(1)
	require.True(t, ok)

	points := ch.ModbusPoints()
	require.Len(t, points, 1)
	assert.Equal(t, uint32(10), points[0].PointID)
	assert.Equal(t, uint16(40001), points[0].RegisterAddress)
	assert.Equal(t, 0.1, points[0].Scale)

	pollingPoints := ch.PollingPoints()
	require.Len(t, pollingPoints, 1)
	assert.True(t, pollingPoints[0].Readable)
}

func TestManifestInstanceModelSpec(t *testing.T) {
	m, err := LoadManifest(writeTestManifest(t))
	require.NoError(t, err)

	spec := m.Instances[0].ModelSpec()
	assert.Equal(t, uint32(7), spec.InstanceID)
	require.Len(t, spec.Inputs, 1)
	assert.Equal(t, model.EntityChannel, spec.Inputs[0].Source.Entity)
	require.Len(t, spec.Outputs, 1)
	assert.Equal(t, model.EntityInstance, spec.Outputs[0].Target.Entity)
}
