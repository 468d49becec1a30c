package model

import (
	"fmt"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/timeseries"
)

// Entity names which side of the comsrv/modsrv boundary a PointRef reads
// or writes.
type Entity string

const (
	EntityChannel  Entity = "channel"
	EntityInstance Entity = "instance"
)

// PointRef addresses one point on either side of the boundary: a
// channel's point (ID is a channel id) or another instance's point (ID
// is an instance id).
type PointRef struct {
	Entity  Entity
	ID      uint32
	Type    keyspace.PointType
	PointID uint32
}

// InputBinding names a reference (§4.9 "input bindings") a calculation
// node or output can read by Name.
type InputBinding struct {
	Name   string
	Source PointRef
}

// NodeKind distinguishes the two calculation node flavours §4.9/§5.9a
// describe.
type NodeKind string

const (
	NodeKindExpr       NodeKind = "expr"
	NodeKindTimeSeries NodeKind = "time_series"
)

// SeriesSpec configures a NodeKindTimeSeries node. PointID identifies the
// instance point this calculation's state and output are keyed by,
// matching §4.10's "keyed by (instance_id, point_id)".
type SeriesSpec struct {
	Function      timeseries.Function
	Source        string
	PointID       uint32
	Schedule      string
	WindowMinutes int
	ResetSchedule string
}

// CalcNode is one node of an instance's calculation DAG: either an
// arithmetic expression over inputs/other nodes (NodeKindExpr) or a
// stateful time-series function (NodeKindTimeSeries).
type CalcNode struct {
	NodeName string
	Kind     NodeKind
	Expr     string
	Series   SeriesSpec

	deps []string // computed at compile time, see compile()
}

func (n *CalcNode) Name() string        { return n.NodeName }
func (n *CalcNode) DependsOn() []string { return n.deps }

// compile resolves and validates a node's dependency set and, for a
// time-series node, its schedule(s), eagerly rejecting a configuration
// error before the DAG is built (§5.10a).
func (n *CalcNode) compile() error {
	switch n.Kind {
	case NodeKindExpr:
		deps, err := exprIdentifiers(n.Expr)
		if err != nil {
			return fmt.Errorf("model: node %q: %w", n.NodeName, err)
		}
		n.deps = deps
		return nil
	case NodeKindTimeSeries:
		n.deps = []string{n.Series.Source}
		spec := timeseries.Spec{
			Function:      n.Series.Function,
			Schedule:      n.Series.Schedule,
			WindowMinutes: n.Series.WindowMinutes,
			ResetSchedule: n.Series.ResetSchedule,
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("model: node %q: %w", n.NodeName, err)
		}
		return nil
	default:
		return fmt.Errorf("model: node %q: unknown kind %q", n.NodeName, n.Kind)
	}
}

// OutputBinding names where a node or input's value is written once it
// has been (re)computed: an instance measurement hash field, or — when
// Action is set — an M2C-propagated action on a channel (§4.9 "output
// bindings").
type OutputBinding struct {
	Name   string
	Target PointRef
	Action bool
}
