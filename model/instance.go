package model

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/routing"
	"github.com/voltage-ems/core/store"
	"github.com/voltage-ems/core/telemetry"
	"github.com/voltage-ems/core/timeseries"
)

// Spec declares one model instance: its input bindings, calculation
// nodes, and output bindings (§4.9).
type Spec struct {
	InstanceID uint32
	Name       string
	Inputs     []InputBinding
	Nodes      []CalcNode
	Outputs    []OutputBinding
}

// Config wires a Spec to its runtime dependencies.
type Config struct {
	Spec
	Store    *store.Store
	Keyspace keyspace.Config
	Routing  *routing.Cache
	Series   *timeseries.Calculator
}

// Instance runs one model's calculation DAG: it subscribes to its input
// bindings' event channels, and on any change recomputes the transitive
// closure of affected nodes in topological order, cooperatively and
// single-threaded per instance (§4.9).
type Instance struct {
	id      uint32
	name    string
	st      *store.Store
	ks      keyspace.Config
	routing *routing.Cache
	series  *timeseries.Calculator
	log     *telemetry.ContextLogger

	inputs    map[string]InputBinding
	nodeOrder []dagNode
	outputs   []OutputBinding

	dirty  chan string
	cancel context.CancelFunc
	doneCh chan struct{}

	recomputes atomic.Int64
	errors     atomic.Int64
}

// New compiles cfg's calculation DAG and returns a ready-to-start
// Instance, or an error naming the offending cycle or an invalid
// time-series schedule (§4.9 steps 1-3, §5.10a).
func New(cfg Config) (*Instance, error) {
	inputs := make(map[string]InputBinding, len(cfg.Inputs))
	for _, in := range cfg.Inputs {
		inputs[in.Name] = in
	}

	nodes := make([]dagNode, len(cfg.Nodes))
	byName := make(map[string]*CalcNode, len(cfg.Nodes))
	for i := range cfg.Nodes {
		n := &cfg.Nodes[i]
		if err := n.compile(); err != nil {
			return nil, err
		}
		byName[n.NodeName] = n
		nodes[i] = n
	}

	for _, n := range byName {
		for _, dep := range n.deps {
			if _, isInput := inputs[dep]; isInput {
				continue
			}
			if _, isNode := byName[dep]; isNode {
				continue
			}
			return nil, fmt.Errorf("model: instance %d: node %q references unknown input or node %q", cfg.InstanceID, n.NodeName, dep)
		}
	}

	order, err := compileDAG(nodes)
	if err != nil {
		return nil, fmt.Errorf("model: instance %d: %w", cfg.InstanceID, err)
	}

	for _, ob := range cfg.Outputs {
		if _, isInput := inputs[ob.Name]; isInput {
			continue
		}
		if _, isNode := byName[ob.Name]; isNode {
			continue
		}
		return nil, fmt.Errorf("model: instance %d: output %q references unknown input or node", cfg.InstanceID, ob.Name)
	}

	return &Instance{
		id:        cfg.InstanceID,
		name:      cfg.Name,
		st:        cfg.Store,
		ks:        cfg.Keyspace,
		routing:   cfg.Routing,
		series:    cfg.Series,
		log:       telemetry.ServiceLogger("modsrv", "instance").WithField("instance_id", cfg.InstanceID).WithField("instance_name", cfg.Name),
		inputs:    inputs,
		nodeOrder: order,
		outputs:   cfg.Outputs,
		dirty:     make(chan string, 64),
	}, nil
}

// Start subscribes to every input binding's event channel and launches
// the single recompute-loop goroutine.
func (i *Instance) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.doneCh = make(chan struct{})

	watchers := make([]<-chan string, 0, len(i.inputs))
	names := make([]string, 0, len(i.inputs))
	for name, in := range i.inputs {
		ch, err := i.st.Subscribe(runCtx, i.eventChannel(in.Source))
		if err != nil {
			cancel()
			return fmt.Errorf("model: instance %d: subscribe input %q: %w", i.id, name, err)
		}
		watchers = append(watchers, ch)
		names = append(names, name)
	}

	for idx := range watchers {
		go i.watchInput(runCtx, names[idx], watchers[idx])
	}
	go i.recomputeLoop(runCtx)
	return nil
}

// Stop cancels the instance's subscriptions and recompute loop, waiting
// for the current recompute batch (if any) to finish.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	if i.doneCh != nil {
		<-i.doneCh
	}
}

func (i *Instance) eventChannel(ref PointRef) string {
	switch ref.Entity {
	case EntityChannel:
		return i.ks.ChannelEventChannel(uint16(ref.ID), ref.Type, ref.PointID)
	default:
		return i.ks.InstanceEventChannel(ref.ID, ref.Type, ref.PointID)
	}
}

func (i *Instance) watchInput(ctx context.Context, name string, ch <-chan string) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case i.dirty <- name:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (i *Instance) recomputeLoop(ctx context.Context) {
	defer close(i.doneCh)
	for {
		select {
		case name, ok := <-i.dirty:
			if !ok {
				return
			}
			changed := map[string]bool{name: true}
		drain:
			for {
				select {
				case more, ok := <-i.dirty:
					if !ok {
						break drain
					}
					changed[more] = true
				default:
					break drain
				}
			}
			i.recompute(ctx, changed)
		case <-ctx.Done():
			return
		}
	}
}

// recompute executes the transitive closure of nodes affected by changed
// in topological order, each node at most once, then publishes every
// output whose source was (re)computed this batch.
func (i *Instance) recompute(ctx context.Context, changed map[string]bool) {
	start := time.Now()
	affected := affectedClosure(changed, i.nodeOrder)

	values := make(map[string]decimal.Decimal, len(affected)+len(changed))
	status := "ok"

	computed := make(map[string]bool, len(changed)+len(affected))
	for name := range changed {
		computed[name] = true
	}

	for _, n := range affected {
		cn := n.(*CalcNode)
		v, err := i.evalNode(ctx, cn, values)
		if err != nil {
			status = "error"
			i.errors.Add(1)
			i.log.WithError(err).WithField("node", cn.NodeName).Error("model node recompute failed")
			continue
		}
		values[cn.NodeName] = v
		computed[cn.NodeName] = true
	}

	i.publishOutputs(ctx, computed, values)
	i.recomputes.Add(1)
	telemetry.RecordModelRecompute(i.name, status, time.Since(start).Seconds())
}

func (i *Instance) evalNode(ctx context.Context, n *CalcNode, values map[string]decimal.Decimal) (decimal.Decimal, error) {
	switch n.Kind {
	case NodeKindExpr:
		return evalExpr(n.Expr, func(name string) (decimal.Decimal, error) {
			return i.lookup(ctx, name, values)
		})
	case NodeKindTimeSeries:
		src, err := i.lookup(ctx, n.Series.Source, values)
		if err != nil {
			return decimal.Zero, err
		}
		return i.series.Compute(ctx, timeseries.Spec{
			InstanceID:    i.id,
			PointID:       n.Series.PointID,
			Function:      n.Series.Function,
			Value:         src,
			Schedule:      n.Series.Schedule,
			WindowMinutes: n.Series.WindowMinutes,
			ResetSchedule: n.Series.ResetSchedule,
		}, time.Now())
	default:
		return decimal.Zero, fmt.Errorf("unknown node kind %q", n.Kind)
	}
}

// lookup resolves a name to a value: an already-computed node value this
// batch, or a fresh store read for an input binding.
func (i *Instance) lookup(ctx context.Context, name string, values map[string]decimal.Decimal) (decimal.Decimal, error) {
	if v, ok := values[name]; ok {
		return v, nil
	}
	in, ok := i.inputs[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("unresolved reference %q", name)
	}
	raw, err := i.readPoint(ctx, in.Source)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read input %q: %w", name, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("input %q value %q is not numeric: %w", name, raw, err)
	}
	values[name] = v
	return v, nil
}

func (i *Instance) readPoint(ctx context.Context, ref PointRef) (string, error) {
	field := strconv.FormatUint(uint64(ref.PointID), 10)
	switch ref.Entity {
	case EntityChannel:
		return i.st.HGet(ctx, i.ks.ChannelKey(uint16(ref.ID), ref.Type), field)
	default:
		return i.st.HGet(ctx, i.ks.InstanceKey(ref.ID, ref.Type), field)
	}
}

// publishOutputs writes every output bound to a name that was computed
// this batch, either to the instance measurement hash or, for an action
// output, via M2C (§4.9 "output bindings").
func (i *Instance) publishOutputs(ctx context.Context, computed map[string]bool, values map[string]decimal.Decimal) {
	for _, ob := range i.outputs {
		if !computed[ob.Name] {
			continue
		}
		v, err := i.lookup(ctx, ob.Name, values)
		if err != nil {
			i.log.WithError(err).WithField("output", ob.Name).Warn("output source unavailable")
			continue
		}
		strVal := v.String()

		if ob.Action {
			result := i.routing.ApplyM2C(ctx, i.id, ob.Target.Type, ob.Target.PointID, strVal)
			if result != routing.ResultOK {
				i.log.WithField("output", ob.Name).WithField("route_result", string(result)).Warn("action output dispatch did not complete")
			}
			continue
		}

		field := strconv.FormatUint(uint64(ob.Target.PointID), 10)
		if err := i.st.HSet(ctx, i.ks.InstanceKey(i.id, ob.Target.Type), map[string]string{field: strVal}); err != nil {
			i.log.WithError(err).WithField("output", ob.Name).Warn("measurement output write failed")
			continue
		}
		_ = i.st.Publish(ctx, i.ks.InstanceEventChannel(i.id, ob.Target.Type, ob.Target.PointID), strVal)
	}
}

// Diagnostics is a snapshot of the instance's recompute counters.
type Diagnostics struct {
	Recomputes int64
	Errors     int64
}

// Diagnostics returns the instance's current counters.
func (i *Instance) Diagnostics() Diagnostics {
	return Diagnostics{
		Recomputes: i.recomputes.Load(),
		Errors:     i.errors.Load(),
	}
}
