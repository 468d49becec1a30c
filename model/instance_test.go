package model

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
	"github.com/voltage-ems/core/timeseries"
)

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

func TestNewRejectsUnknownReference(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()

	_, err := New(Config{
		Spec: Spec{
			InstanceID: 1,
			Name:       "bad",
			Nodes: []CalcNode{
				{NodeName: "out", Kind: NodeKindExpr, Expr: "missing_input * 2"},
			},
		},
		Store:    st,
		Keyspace: ks,
		Series:   timeseries.NewCalculator(st, ks),
	})
	require.Error(t, err)
}

func TestNewRejectsCycle(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()

	_, err := New(Config{
		Spec: Spec{
			InstanceID: 1,
			Name:       "cyclic",
			Nodes: []CalcNode{
				{NodeName: "a", Kind: NodeKindExpr, Expr: "b + 1"},
				{NodeName: "b", Kind: NodeKindExpr, Expr: "a + 1"},
			},
		},
		Store:    st,
		Keyspace: ks,
		Series:   timeseries.NewCalculator(st, ks),
	})
	require.Error(t, err)
}

func TestNewRejectsInvalidTimeSeriesSchedule(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()

	_, err := New(Config{
		Spec: Spec{
			InstanceID: 1,
			Name:       "bad-schedule",
			Inputs: []InputBinding{
				{Name: "raw", Source: PointRef{Entity: EntityChannel, ID: 1, Type: keyspace.Telemetry, PointID: 1}},
			},
			Nodes: []CalcNode{
				{
					NodeName: "daily_peak",
					Kind:     NodeKindTimeSeries,
					Series: SeriesSpec{
						Function: timeseries.Peak,
						Source:   "raw",
						PointID:  1,
						Schedule: "not a cron expression",
					},
				},
			},
		},
		Store:    st,
		Keyspace: ks,
		Series:   timeseries.NewCalculator(st, ks),
	})
	require.Error(t, err)
}

func TestInstanceRecomputesOnInputChange(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, ks.ChannelKey(1, keyspace.Telemetry), map[string]string{"10": "5"}))

	inst, err := New(Config{
		Spec: Spec{
			InstanceID: 7,
			Name:       "doubler",
			Inputs: []InputBinding{
				{Name: "volt", Source: PointRef{Entity: EntityChannel, ID: 1, Type: keyspace.Telemetry, PointID: 10}},
			},
			Nodes: []CalcNode{
				{NodeName: "doubled", Kind: NodeKindExpr, Expr: "volt * 2"},
			},
			Outputs: []OutputBinding{
				{Name: "doubled", Target: PointRef{Entity: EntityInstance, ID: 7, Type: keyspace.Telemetry, PointID: 99}},
			},
		},
		Store:    st,
		Keyspace: ks,
		Series:   timeseries.NewCalculator(st, ks),
	})
	require.NoError(t, err)

	require.NoError(t, inst.Start(ctx))
	defer inst.Stop()

	require.NoError(t, st.HSet(ctx, ks.ChannelKey(1, keyspace.Telemetry), map[string]string{"10": "5"}))
	require.NoError(t, st.Publish(ctx, ks.ChannelEventChannel(1, keyspace.Telemetry, 10), "5"))

	require.Eventually(t, func() bool {
		v, err := st.HGet(ctx, ks.InstanceKey(7, keyspace.Telemetry), "99")
		return err == nil && v == "10"
	}, 2*time.Second, 10*time.Millisecond)

	diag := inst.Diagnostics()
	require.GreaterOrEqual(t, diag.Recomputes, int64(1))
}

func TestInstanceBurstOfChangesCollapsesIntoOneBatch(t *testing.T) {
	st := newTestStore(t)
	ks := keyspace.Production()
	ctx := context.Background()

	require.NoError(t, st.HSet(ctx, ks.ChannelKey(2, keyspace.Telemetry), map[string]string{"1": "1"}))

	inst, err := New(Config{
		Spec: Spec{
			InstanceID: 8,
			Name:       "burst",
			Inputs: []InputBinding{
				{Name: "a", Source: PointRef{Entity: EntityChannel, ID: 2, Type: keyspace.Telemetry, PointID: 1}},
			},
			Nodes: []CalcNode{
				{NodeName: "a_plus_one", Kind: NodeKindExpr, Expr: "a + 1"},
			},
			Outputs: []OutputBinding{
				{Name: "a_plus_one", Target: PointRef{Entity: EntityInstance, ID: 8, Type: keyspace.Telemetry, PointID: 50}},
			},
		},
		Store:    st,
		Keyspace: ks,
		Series:   timeseries.NewCalculator(st, ks),
	})
	require.NoError(t, err)
	require.NoError(t, inst.Start(ctx))
	defer inst.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.Publish(ctx, ks.ChannelEventChannel(2, keyspace.Telemetry, 1), "tick"))
	}

	require.Eventually(t, func() bool {
		v, err := st.HGet(ctx, ks.InstanceKey(8, keyspace.Telemetry), "50")
		return err == nil && v == "2"
	}, 2*time.Second, 10*time.Millisecond)
}
