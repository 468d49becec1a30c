package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
)

type fakeRegistry struct {
	channels       map[uint16]bool
	instances      map[uint32]bool
	channelPoints  map[uint16][]uint32
	instancePoints map[uint32][]uint32
}

func (r fakeRegistry) ChannelIDs() []uint16 {
	out := make([]uint16, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}

func (r fakeRegistry) InstanceIDs() []uint32 {
	out := make([]uint32, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

func (r fakeRegistry) ChannelPointIDs(channelID uint16, _ keyspace.PointType) []uint32 {
	return r.channelPoints[channelID]
}

func (r fakeRegistry) InstancePointIDs(instanceID uint32, _ keyspace.PointType) []uint32 {
	return r.instancePoints[instanceID]
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunOnceDeletesOrphanedChannelKey(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, ks.ChannelKey(1, keyspace.Telemetry), map[string]string{"1": "5"}))
	require.NoError(t, st.HSet(ctx, ks.ChannelKey(2, keyspace.Telemetry), map[string]string{"1": "7"}))

	reg := fakeRegistry{channels: map[uint16]bool{1: true}, instances: map[uint32]bool{}}
	r := New(st, ks, reg, time.Hour)
	require.NoError(t, r.RunOnce(ctx))

	_, err := st.HGetAll(ctx, ks.ChannelKey(1, keyspace.Telemetry))
	require.NoError(t, err)
	v, err := st.HGetAll(ctx, ks.ChannelKey(2, keyspace.Telemetry))
	require.NoError(t, err)
	require.Empty(t, v, "channel 2 is not in the registry, its key must be gone")
}

func TestRunOnceDeletesOrphanedInstanceKey(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, ks.InstanceKey(10, keyspace.Telemetry), map[string]string{"1": "1"}))
	require.NoError(t, st.HSet(ctx, ks.InstanceKey(20, keyspace.Telemetry), map[string]string{"1": "1"}))

	reg := fakeRegistry{
		channels:       map[uint16]bool{},
		instances:      map[uint32]bool{10: true},
		instancePoints: map[uint32][]uint32{10: {1}},
	}
	r := New(st, ks, reg, time.Hour)
	require.NoError(t, r.RunOnce(ctx))

	v, err := st.HGetAll(ctx, ks.InstanceKey(20, keyspace.Telemetry))
	require.NoError(t, err)
	require.Empty(t, v)

	v, err = st.HGetAll(ctx, ks.InstanceKey(10, keyspace.Telemetry))
	require.NoError(t, err)
	require.NotEmpty(t, v)
}

func TestRunOncePrunesStaleFieldsOnLiveEntity(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, ks.ChannelKey(1, keyspace.Telemetry), map[string]string{
		"1": "5",
		"2": "9",
	}))

	reg := fakeRegistry{
		channels:      map[uint16]bool{1: true},
		instances:     map[uint32]bool{},
		channelPoints: map[uint16][]uint32{1: {1}},
	}
	r := New(st, ks, reg, time.Hour)
	require.NoError(t, r.RunOnce(ctx))

	fields, err := st.HGetAll(ctx, ks.ChannelKey(1, keyspace.Telemetry))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1": "5"}, fields)
}

func TestRunOnceNeverDeletesInstanceNameIndex(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, ks.InstanceNameIndexKey(), map[string]string{"inverter_01": "42"}))

	reg := fakeRegistry{channels: map[uint16]bool{}, instances: map[uint32]bool{}}
	r := New(st, ks, reg, time.Hour)
	require.NoError(t, r.RunOnce(ctx))

	v, err := st.HGetAll(ctx, ks.InstanceNameIndexKey())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"inverter_01": "42"}, v)
}

func TestRunOncePreservesSystemPrefixedKeys(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "comsrv:99:stats:errors", "3", 0))

	reg := fakeRegistry{channels: map[uint16]bool{}, instances: map[uint32]bool{}}
	r := New(st, ks, reg, time.Hour)
	require.NoError(t, r.RunOnce(ctx))

	v, err := st.Get(ctx, "comsrv:99:stats:errors")
	require.NoError(t, err)
	require.Equal(t, "3", v)
}

func TestStartStopLifecycle(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	reg := fakeRegistry{channels: map[uint16]bool{}, instances: map[uint32]bool{}}

	r := New(st, ks, reg, 10*time.Millisecond)
	r.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
