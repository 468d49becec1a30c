package routing

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ks := keyspace.Production()
	return New(st, ks), st
}

func TestC2MRoutingScenario(t *testing.T) {
	// scenario 1+2 from §8: uplink publish mirrored to an instance point
	cache, st := newTestCache(t)
	ctx := context.Background()
	ks := keyspace.Production()

	require.NoError(t, st.HSet(ctx, ks.RouteTableKey(), map[string]string{
		"1:T:10001": "42:T:7",
	}))
	require.NoError(t, cache.Reload(ctx))

	result := cache.ApplyC2M(ctx, 1, keyspace.Telemetry, 10001, "230.5")
	require.Equal(t, ResultOK, result)

	v, err := st.HGet(ctx, ks.InstanceKey(42, keyspace.Telemetry), "7")
	require.NoError(t, err)
	require.Equal(t, "230.5", v)
}

func TestC2MNoRouteIsNoop(t *testing.T) {
	cache, _ := newTestCache(t)
	require.NoError(t, cache.Reload(context.Background()))

	result := cache.ApplyC2M(context.Background(), 1, keyspace.Telemetry, 99999, "1")
	require.Equal(t, ResultNoRoute, result)
}

func TestM2CActionScenario(t *testing.T) {
	// scenario 3 from §8: instance hash write precedes TODO append
	cache, st := newTestCache(t)
	ctx := context.Background()
	ks := keyspace.Production()

	require.NoError(t, st.HSet(ctx, ks.ForM2C().RouteTableKey(), map[string]string{
		"42:A:3": "1:A:9",
	}))
	require.NoError(t, st.HSet(ctx, ks.InstanceNameIndexKey(), map[string]string{"inverter_01": "42"}))
	require.NoError(t, cache.Reload(ctx))

	iid, err := cache.ResolveInstanceName(ctx, "inverter_01")
	require.NoError(t, err)
	require.EqualValues(t, 42, iid)

	result := cache.ApplyM2C(ctx, iid, keyspace.Adjustment, 3, "12.5")
	require.Equal(t, ResultOK, result)

	v, err := st.HGet(ctx, ks.InstanceKey(42, keyspace.Adjustment), "3")
	require.NoError(t, err)
	require.Equal(t, "12.5", v)

	n, err := st.ListLen(ctx, ks.ChannelTODOKey(1, keyspace.Adjustment))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestM2CNoRouteStillWritesHashButNotTODO(t *testing.T) {
	// scenario 4 from §8
	cache, st := newTestCache(t)
	ctx := context.Background()
	ks := keyspace.Production()
	require.NoError(t, cache.Reload(ctx))

	result := cache.ApplyM2C(ctx, 42, keyspace.Adjustment, 3, "12.5")
	require.Equal(t, ResultNoRoute, result)

	v, err := st.HGet(ctx, ks.InstanceKey(42, keyspace.Adjustment), "3")
	require.NoError(t, err)
	require.Equal(t, "12.5", v)

	n, err := st.ListLen(ctx, ks.ChannelTODOKey(1, keyspace.Adjustment))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestReloadSwapsAtomically(t *testing.T) {
	cache, st := newTestCache(t)
	ctx := context.Background()
	ks := keyspace.Production()

	require.NoError(t, st.HSet(ctx, ks.RouteTableKey(), map[string]string{"1:T:1": "2:T:2"}))
	require.NoError(t, cache.Reload(ctx))

	_, result := cache.LookupC2M(1, keyspace.Telemetry, 1)
	require.Equal(t, ResultOK, result)

	require.NoError(t, st.Del(ctx, ks.RouteTableKey()))
	require.NoError(t, st.HSet(ctx, ks.RouteTableKey(), map[string]string{"1:T:1": "3:T:3"}))
	require.NoError(t, cache.Reload(ctx))

	target, result := cache.LookupC2M(1, keyspace.Telemetry, 1)
	require.Equal(t, ResultOK, result)
	require.EqualValues(t, 3, target.ID)
}

func TestMalformedRouteIsSkippedNotFatal(t *testing.T) {
	cache, st := newTestCache(t)
	ctx := context.Background()
	ks := keyspace.Production()

	require.NoError(t, st.HSet(ctx, ks.RouteTableKey(), map[string]string{
		"1:T:1": "not-a-valid-target",
		"1:T:2": "2:T:2",
	}))
	require.NoError(t, cache.Reload(ctx))

	_, result := cache.LookupC2M(1, keyspace.Telemetry, 1)
	require.Equal(t, ResultNoRoute, result)
	_, result = cache.LookupC2M(1, keyspace.Telemetry, 2)
	require.Equal(t, ResultOK, result)
}

func TestC2CPassThrough(t *testing.T) {
	cache, st := newTestCache(t)
	ctx := context.Background()
	ks := keyspace.Production()

	require.NoError(t, st.HSet(ctx, ks.RouteC2CTableKey(), map[string]string{
		"1:T:5": "2:T:6",
	}))
	require.NoError(t, cache.Reload(ctx))

	result := cache.ApplyC2C(ctx, 1, keyspace.Telemetry, 5, "99")
	require.Equal(t, ResultOK, result)

	v, err := st.HGet(ctx, ks.ChannelKey(2, keyspace.Telemetry), "6")
	require.NoError(t, err)
	require.Equal(t, "99", v)
}
