package combase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voltage-ems/core/keyspace"
)

func TestPointManagerLookupsAndIndices(t *testing.T) {
	pm := NewPointManager([]PollingPoint{
		{PointID: 1, Type: keyspace.Telemetry, Readable: true, Enabled: true},
		{PointID: 2, Type: keyspace.Control, Writable: true, Enabled: true},
		{PointID: 3, Type: keyspace.Telemetry, Readable: true, Enabled: false},
	})

	assert.Equal(t, 3, pm.Len())

	p, ok := pm.Get(1)
	assert.True(t, ok)
	assert.True(t, p.Readable)

	_, ok = pm.Get(99)
	assert.False(t, ok)

	assert.ElementsMatch(t, []uint32{1, 3}, pm.ByType(keyspace.Telemetry))
	assert.True(t, pm.IsReadable(1))
	assert.False(t, pm.IsWritable(1))
	assert.True(t, pm.IsWritable(2))
	assert.False(t, pm.IsEnabled(3))

	hits, misses := pm.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
