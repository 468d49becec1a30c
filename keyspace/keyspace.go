// Package keyspace is the sole owner of store key naming. Every other
// package builds keys by calling into here instead of formatting strings
// itself, so the wire schema can change in one place.
package keyspace

import "fmt"

// PointType is one of the four point classes shared by channel and
// instance points.
type PointType string

const (
	Telemetry  PointType = "T"
	Signal     PointType = "S"
	Control    PointType = "C"
	Adjustment PointType = "A"
)

// IsDownlink reports whether the type carries commands toward a device
// (Control, Adjustment) as opposed to measurements from one (Telemetry,
// Signal).
func (t PointType) IsDownlink() bool {
	return t == Control || t == Adjustment
}

// Config selects the key prefix variant (production vs isolated test
// runs) and whether generated keys should be projected for M2C routing
// instead of the default C2M shape.
type Config struct {
	prefix string
	m2c    bool
}

// Production returns the config used by a live gateway: no prefix.
func Production() Config {
	return Config{}
}

// Test returns a config that prefixes every key with "test:" so test
// suites never collide with a live keyspace on a shared Redis instance.
func Test() Config {
	return Config{prefix: "test"}
}

// ForM2C projects the config into its downlink-table variant: callers
// resolving model-to-channel routes want `route:m2c` and the instance
// name index instead of `route:c2m`. The projection is one-way —
// applying ForM2C twice, or calling it on an already-M2C config, is a
// no-op, not a toggle.
func (c Config) ForM2C() Config {
	c.m2c = true
	return c
}

func (c Config) key(parts ...string) string {
	if c.prefix == "" {
		return join(parts)
	}
	return c.prefix + ":" + join(parts)
}

func join(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ":" + p
	}
	return out
}

// ChannelKey returns the hash key holding the latest value per point,
// e.g. "comsrv:1:T".
func (c Config) ChannelKey(channelID uint16, pt PointType) string {
	return c.key("comsrv", chanID(channelID), string(pt))
}

// ChannelTSKey returns the hash key holding per-point update timestamps.
func (c Config) ChannelTSKey(channelID uint16, pt PointType) string {
	return c.key("comsrv", chanID(channelID), string(pt)+":ts")
}

// ChannelRawKey returns the hash key holding pre-scaling raw values.
func (c Config) ChannelRawKey(channelID uint16, pt PointType) string {
	return c.key("comsrv", chanID(channelID), string(pt)+":raw")
}

// ChannelTODOKey returns the list key a downlink point type's pending
// actions are appended to and drained from. Valid only for Control and
// Adjustment.
func (c Config) ChannelTODOKey(channelID uint16, pt PointType) string {
	return c.key("comsrv", chanID(channelID), string(pt)+":TODO")
}

// ChannelDLQKey returns the dead-letter list a TODO entry is moved to
// after exhausting its retries.
func (c Config) ChannelDLQKey(channelID uint16, pt PointType) string {
	return c.key("comsrv", chanID(channelID), string(pt)+":DLQ")
}

// ChannelCursorKey returns the key recording the identity of the last
// TODO entry the dispatcher successfully processed, so a restart does
// not replay it.
func (c Config) ChannelCursorKey(channelID uint16) string {
	return c.key("comsrv", chanID(channelID), "cursor")
}

// InstanceKey returns the hash key holding an instance's point values,
// mirrored from the channel side by C2M apply or written by the model.
func (c Config) InstanceKey(instanceID uint32, pt PointType) string {
	return c.key("inst", instID(instanceID), string(pt))
}

// InstanceNameKey returns the string key holding an instance's label.
func (c Config) InstanceNameKey(instanceID uint32) string {
	return c.key("inst", instID(instanceID), "name")
}

// InstanceNameIndexKey returns the hash key mapping instance name to id,
// used by M2C callers that only know a name.
func (c Config) InstanceNameIndexKey() string {
	return c.key("inst", "name", "index")
}

// SnapshotKey returns the Delta time-series function's baseline key for
// one instance point (§4.10).
func (c Config) SnapshotKey(instanceID, pointID uint32) string {
	return c.key("snapshot", instID(instanceID), idStr(pointID))
}

// BufferKey returns the MovingAverage time-series function's bounded
// sample-list key for one instance point.
func (c Config) BufferKey(instanceID, pointID uint32) string {
	return c.key("buffer", instID(instanceID), idStr(pointID))
}

// PeakKey returns the Peak time-series function's running-maximum key.
func (c Config) PeakKey(instanceID, pointID uint32) string {
	return c.key("peak", instID(instanceID), idStr(pointID))
}

// ValleyKey returns the Valley time-series function's running-minimum key.
func (c Config) ValleyKey(instanceID, pointID uint32) string {
	return c.key("valley", instID(instanceID), idStr(pointID))
}

// IntegralKey returns the Integration time-series function's running
// accumulator key.
func (c Config) IntegralKey(instanceID, pointID uint32) string {
	return c.key("integral", instID(instanceID), idStr(pointID))
}

// IntegralTimestampKey returns the key holding the timestamp of the last
// sample folded into IntegralKey, needed to compute the next dt.
func (c Config) IntegralTimestampKey(instanceID, pointID uint32) string {
	return c.key("integral", instID(instanceID), idStr(pointID)+":ts")
}

// RouteTableKey returns the hash key holding the routing rules for the
// direction selected by the config (route:c2m by default, route:m2c
// after ForM2C).
func (c Config) RouteTableKey() string {
	if c.m2c {
		return c.key("route", "m2c")
	}
	return c.key("route", "c2m")
}

// RouteC2CTableKey returns the optional channel-to-channel bypass
// routing table (§5.3a / open question resolution #1). Present
// independently of C2M/M2C direction, so it is not affected by ForM2C.
func (c Config) RouteC2CTableKey() string {
	return c.key("route", "c2c")
}

// EventChannel returns the pub/sub channel name a per-point update is
// published on, mirroring the data key layout one-for-one.
func (c Config) EventChannel(entity string, id uint32, pt PointType, pointID uint32) string {
	return c.key("evt", entity, idStr(id), string(pt), idStr(pointID))
}

// ChannelEventChannel returns the pub/sub channel name a channel-side
// publish uses (§6.4 evt:{ch}:{pt}:{pid}). Unlike EventChannel it
// carries no entity segment.
func (c Config) ChannelEventChannel(channelID uint16, pt PointType, pointID uint32) string {
	return c.key("evt", chanID(channelID), string(pt), idStr(pointID))
}

// InstanceEventChannel returns the pub/sub channel name an instance-side
// publish uses (evt:{iid}:{pt}:{pid}). Unlike EventChannel it carries no
// entity segment.
func (c Config) InstanceEventChannel(instanceID uint32, pt PointType, pointID uint32) string {
	return c.key("evt", instID(instanceID), string(pt), idStr(pointID))
}

// CommandChannel returns the optional low-latency command notification
// channel parallel to a channel's TODO list.
func (c Config) CommandChannel(channelID uint16, pt PointType) string {
	kind := "control"
	if pt == Adjustment {
		kind = "adjustment"
	}
	return c.key("cmd", chanID(channelID), kind)
}

// ConfigRefreshChannel is the event name the routing cache subscribes to
// for an explicit reload after configuration mutations.
func (c Config) ConfigRefreshChannel() string {
	return c.key("cfg", "refresh")
}

// ChannelScanPattern returns the glob pattern matching every key this
// config builds under the channel-side "comsrv" root, for the cleanup
// reconciler's periodic sweep (§4.11).
func (c Config) ChannelScanPattern() string {
	return c.key("comsrv", "*")
}

// InstanceScanPattern returns the glob pattern matching every key this
// config builds under the instance-side "inst" root (§4.11).
func (c Config) InstanceScanPattern() string {
	return c.key("inst", "*")
}

func chanID(id uint16) string { return fmt.Sprintf("%d", id) }
func instID(id uint32) string { return fmt.Sprintf("%d", id) }
func idStr(id uint32) string  { return fmt.Sprintf("%d", id) }

// RouteField builds the "{ch|iid}:{pt}:{pid}" field name used as a hash
// field in the routing tables.
func RouteField(id uint32, pt PointType, pointID uint32) string {
	return fmt.Sprintf("%d:%s:%d", id, pt, pointID)
}

// IsLegacyTimestampSuffix reports whether a value string uses the
// rejected "value:epoch_ms" suffix encoding (open question resolution
// #2) rather than this module's `:ts` hash-field form. It is a
// recognition helper only: no other package calls it, and the cleanup
// reconciler does not inspect values. This module never writes the
// suffix form itself.
func IsLegacyTimestampSuffix(s string) bool {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i < len(s)-1 && allDigits(s[i+1:])
		}
		if !isDigitOrColon(s[i]) {
			return false
		}
	}
	return false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isDigitOrColon(b byte) bool {
	return (b >= '0' && b <= '9') || b == ':'
}
