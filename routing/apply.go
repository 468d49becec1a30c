package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voltage-ems/core/keyspace"
)

// todoEntry is the JSON shape appended to a channel's TODO list (§3.2).
type todoEntry struct {
	PointID   uint32 `json:"point_id"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// ApplyC2M mirrors a channel-side uplink write to its instance-side
// target and publishes the corresponding event. A missing route is a
// no-op, not an error (§4.3): absence of a mapping is the normal case
// for points nobody has wired to a model.
func (c *Cache) ApplyC2M(ctx context.Context, channelID uint16, pt keyspace.PointType, pointID uint32, value string) Result {
	target, result := c.LookupC2M(channelID, pt, pointID)
	if result != ResultOK {
		return result
	}

	if err := c.st.HSet(ctx, c.ks.InstanceKey(target.ID, target.Type), map[string]string{
		fmt.Sprintf("%d", target.PointID): value,
	}); err != nil {
		return ResultInvalidRouteTarget
	}
	_ = c.st.Publish(ctx, c.ks.InstanceEventChannel(target.ID, target.Type, target.PointID), value)
	return ResultOK
}

// ApplyM2C applies an instance-side action: following INV-2, it writes
// the instance hash first, then resolves the channel-side target and
// enqueues the channel TODO entry. With no route configured the hash
// write stands, no TODO entry is appended, and ResultNoRoute is
// returned.
func (c *Cache) ApplyM2C(ctx context.Context, instanceID uint32, pt keyspace.PointType, pointID uint32, value string) Result {
	if err := c.st.HSet(ctx, c.ks.InstanceKey(instanceID, pt), map[string]string{
		fmt.Sprintf("%d", pointID): value,
	}); err != nil {
		return ResultInvalidRouteTarget
	}

	target, result := c.LookupM2C(instanceID, pt, pointID)
	if result != ResultOK {
		return result
	}

	entry, err := json.Marshal(todoEntry{
		PointID:   target.PointID,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return ResultInvalidRouteTarget
	}

	channelID, ok := channelIDFromTarget(target)
	if !ok {
		return ResultInvalidRouteTarget
	}
	if err := c.st.ListPushBack(ctx, c.ks.ChannelTODOKey(channelID, target.Type), string(entry)); err != nil {
		return ResultInvalidRouteTarget
	}
	return ResultOK
}

// ApplyC2C mirrors a channel-side write directly to another channel's
// point, applying C2M's exact semantics but targeting a channel-side
// key instead of an instance hash (§5.3a). No route configured is a
// silent no-op.
func (c *Cache) ApplyC2C(ctx context.Context, channelID uint16, pt keyspace.PointType, pointID uint32, value string) Result {
	target, result := c.LookupC2C(channelID, pt, pointID)
	if result != ResultOK {
		return result
	}
	dstChannel, ok := channelIDFromTarget(target)
	if !ok {
		return ResultInvalidRouteTarget
	}
	if err := c.st.HSet(ctx, c.ks.ChannelKey(dstChannel, target.Type), map[string]string{
		fmt.Sprintf("%d", target.PointID): value,
	}); err != nil {
		return ResultInvalidRouteTarget
	}
	_ = c.st.Publish(ctx, c.ks.ChannelEventChannel(dstChannel, target.Type, target.PointID), value)
	return ResultOK
}

// channelIDFromTarget narrows a routing Target's 32-bit id back to the
// 16-bit channel_id space, rejecting anything a config loader could not
// legitimately have produced.
func channelIDFromTarget(t Target) (uint16, bool) {
	if t.ID > 0xFFFF {
		return 0, false
	}
	return uint16(t.ID), true
}
