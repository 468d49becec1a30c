// Package routing holds the C2M/M2C/C2C tables and the apply logic that
// turns a channel-side or instance-side write into its mirrored
// counterpart (§4.3). Tables are loaded wholesale and swapped as a
// single atomic reference, so a concurrent Reload never exposes readers
// to a half-updated map (INV-4).
package routing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
)

// Target is one endpoint of a routing rule: an entity id, point type,
// and point id, parsed from a "{id}:{pt}:{pid}" hash field/value.
type Target struct {
	ID      uint32
	Type    keyspace.PointType
	PointID uint32
}

func parseTarget(s string) (Target, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Target{}, fmt.Errorf("malformed route target %q", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Target{}, fmt.Errorf("malformed route target %q: bad id: %w", s, err)
	}
	pid, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Target{}, fmt.Errorf("malformed route target %q: bad point id: %w", s, err)
	}
	pt := keyspace.PointType(parts[1])
	switch pt {
	case keyspace.Telemetry, keyspace.Signal, keyspace.Control, keyspace.Adjustment:
	default:
		return Target{}, fmt.Errorf("malformed route target %q: bad point type", s)
	}
	return Target{ID: uint32(id), Type: pt, PointID: uint32(pid)}, nil
}

// Tables is one immutable snapshot of the routing rules.
type Tables struct {
	c2m map[string]Target
	m2c map[string]Target
	c2c map[string]Target
}

// Cache holds the current Tables snapshot behind an atomic pointer so
// Reload can swap the whole table with no lock on the read path,
// generalising statemanager.Manager's copy-on-read pattern (there:
// return a defensive copy per read; here: return a defensive swap per
// reload, since the tables themselves are never mutated after Load).
type Cache struct {
	st  *store.Store
	ks  keyspace.Config
	cur atomic.Pointer[Tables]
}

// New creates a Cache bound to a store and keyspace config. Call Reload
// before first use; an unloaded Cache behaves as if every table were
// empty (every lookup is a no-route no-op).
func New(st *store.Store, ks keyspace.Config) *Cache {
	c := &Cache{st: st, ks: ks}
	c.cur.Store(&Tables{})
	return c
}

// Reload rebuilds both tables (and the optional C2C table) from the
// store and atomically swaps them in. Readers mid-lookup continue to
// see the pre-reload snapshot until their next call.
func (c *Cache) Reload(ctx context.Context) error {
	c2mRaw, err := c.st.HGetAll(ctx, c.ks.RouteTableKey())
	if err != nil {
		return fmt.Errorf("routing: load c2m: %w", err)
	}
	m2cRaw, err := c.st.HGetAll(ctx, c.ks.ForM2C().RouteTableKey())
	if err != nil {
		return fmt.Errorf("routing: load m2c: %w", err)
	}
	c2cRaw, err := c.st.HGetAll(ctx, c.ks.RouteC2CTableKey())
	if err != nil {
		return fmt.Errorf("routing: load c2c: %w", err)
	}

	tables := &Tables{
		c2m: make(map[string]Target, len(c2mRaw)),
		m2c: make(map[string]Target, len(m2cRaw)),
		c2c: make(map[string]Target, len(c2cRaw)),
	}
	for field, raw := range c2mRaw {
		target, err := parseTarget(raw)
		if err != nil {
			continue // malformed rules are skipped, not fatal to the reload
		}
		tables.c2m[field] = target
	}
	for field, raw := range m2cRaw {
		target, err := parseTarget(raw)
		if err != nil {
			continue
		}
		tables.m2c[field] = target
	}
	for field, raw := range c2cRaw {
		target, err := parseTarget(raw)
		if err != nil {
			continue
		}
		tables.c2c[field] = target
	}

	c.cur.Store(tables)
	return nil
}

// Result describes the outcome of an apply call for diagnostics, using
// the vocabulary §4.3 and §7 specify (route_result).
type Result string

const (
	ResultOK                 Result = "ok"
	ResultNoRoute            Result = "no_route"
	ResultInvalidRouteTarget Result = "invalid_route_target"
)

// LookupC2M returns the instance-side target a channel point mirrors
// to, or ResultNoRoute if no rule matches.
func (c *Cache) LookupC2M(channelID uint16, pt keyspace.PointType, pointID uint32) (Target, Result) {
	t := c.cur.Load()
	target, ok := t.c2m[keyspace.RouteField(uint32(channelID), pt, pointID)]
	if !ok {
		return Target{}, ResultNoRoute
	}
	return target, ResultOK
}

// LookupM2C returns the channel-side target an instance action mirrors
// to, or ResultNoRoute if no rule matches.
func (c *Cache) LookupM2C(instanceID uint32, pt keyspace.PointType, pointID uint32) (Target, Result) {
	t := c.cur.Load()
	target, ok := t.m2c[keyspace.RouteField(instanceID, pt, pointID)]
	if !ok {
		return Target{}, ResultNoRoute
	}
	return target, ResultOK
}

// LookupC2C returns the channel-side bypass target for a channel point,
// or ResultNoRoute if no C2C rule is configured — C2C is optional and
// additive (§5.3a / open question #1), so its absence is never an error.
func (c *Cache) LookupC2C(channelID uint16, pt keyspace.PointType, pointID uint32) (Target, Result) {
	t := c.cur.Load()
	target, ok := t.c2c[keyspace.RouteField(uint32(channelID), pt, pointID)]
	if !ok {
		return Target{}, ResultNoRoute
	}
	return target, ResultOK
}

// ResolveInstanceName resolves an instance name to its id via
// inst:name:index, for M2C callers that hold a name instead of an id
// (§4.3 "Instance name resolution").
func (c *Cache) ResolveInstanceName(ctx context.Context, name string) (uint32, error) {
	raw, err := c.st.HGet(ctx, c.ks.InstanceNameIndexKey(), name)
	if err != nil {
		return 0, fmt.Errorf("routing: resolve instance name %q: %w", name, err)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("routing: instance name index entry for %q is not numeric: %w", name, err)
	}
	return uint32(id), nil
}
