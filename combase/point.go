package combase

import (
	"sync"
	"sync/atomic"

	"github.com/voltage-ems/core/keyspace"
)

// PollingPoint is one entry in a channel's point manager: everything
// combase needs to know about a point independent of protocol detail,
// which lives in the driver's own point table instead (§4.7).
type PollingPoint struct {
	PointID  uint32
	Type     keyspace.PointType
	Readable bool
	Writable bool
	Enabled  bool
}

// PointManager is the flat pid -> PollingPoint map §4.7 specifies, with
// secondary sets by type/readable/writable/enabled so lookups used by
// the polling, dispatch, and read paths stay O(1) instead of scanning.
// All mutations happen once in NewPointManager; the maps are never touched again,
// so lookups take no lock.
type PointManager struct {
	byID     map[uint32]PollingPoint
	byType   map[keyspace.PointType][]uint32
	readable map[uint32]bool
	writable map[uint32]bool
	enabled  map[uint32]bool

	hits   atomic.Int64
	misses atomic.Int64
	mu     sync.Mutex // guards nothing after NewPointManager returns
}

// NewPointManager builds a PointManager from a channel's configured
// points. Points are expected to be final for the channel's lifetime;
// call NewPointManager again (and swap the reference) to reconfigure.
func NewPointManager(points []PollingPoint) *PointManager {
	pm := &PointManager{
		byID:     make(map[uint32]PollingPoint, len(points)),
		byType:   make(map[keyspace.PointType][]uint32),
		readable: make(map[uint32]bool),
		writable: make(map[uint32]bool),
		enabled:  make(map[uint32]bool),
	}
	for _, p := range points {
		pm.byID[p.PointID] = p
		pm.byType[p.Type] = append(pm.byType[p.Type], p.PointID)
		if p.Readable {
			pm.readable[p.PointID] = true
		}
		if p.Writable {
			pm.writable[p.PointID] = true
		}
		if p.Enabled {
			pm.enabled[p.PointID] = true
		}
	}
	return pm
}

// Get returns the point registered under id.
func (pm *PointManager) Get(id uint32) (PollingPoint, bool) {
	p, ok := pm.byID[id]
	if ok {
		pm.hits.Add(1)
	} else {
		pm.misses.Add(1)
	}
	return p, ok
}

// ByType returns every point id of the given type.
func (pm *PointManager) ByType(pt keyspace.PointType) []uint32 {
	return pm.byType[pt]
}

// IsReadable reports whether id is configured readable.
func (pm *PointManager) IsReadable(id uint32) bool { return pm.readable[id] }

// IsWritable reports whether id is configured writable.
func (pm *PointManager) IsWritable(id uint32) bool { return pm.writable[id] }

// IsEnabled reports whether id is enabled (disabled points are skipped
// by both polling and dispatch without being removed from the table).
func (pm *PointManager) IsEnabled(id uint32) bool { return pm.enabled[id] }

// Len returns the number of points registered.
func (pm *PointManager) Len() int { return len(pm.byID) }

// CacheStats returns the lookup hit/miss counters §4.7 requires for
// diagnostics.
func (pm *PointManager) CacheStats() (hits, misses int64) {
	return pm.hits.Load(), pm.misses.Load()
}
