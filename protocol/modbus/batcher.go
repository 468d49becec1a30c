package modbus

import (
	"sort"
	"sync"
	"time"
)

// Batch window defaults (§4.5.3).
const (
	DefaultBatchWindow  = 20 * time.Millisecond
	DefaultMaxBatchSize = 100
)

// BatchCommand is one pending write accumulated by CommandBatcher before
// a flush groups it with others bound for the same (slave, function
// code) pair.
type BatchCommand struct {
	PointID         uint32
	Value           string
	SlaveID         uint8
	FunctionCode    uint8
	RegisterAddress uint16
	DataType        string
	ByteOrder       ByteOrder
}

// groupKey identifies one (slave_id, function_code) write group.
type groupKey struct {
	slave uint8
	fc    uint8
}

// CommandBatcher accumulates writes for up to a time-and-size window and
// groups them by (slave_id, function_code) on flush, mirroring
// command_batcher.rs's CommandBatcher one-for-one in Go idiom (mutex
// instead of requiring an external executor, since Go has no async
// runtime to hand ownership back to).
type CommandBatcher struct {
	mu            sync.Mutex
	window        time.Duration
	maxSize       int
	pending       map[groupKey][]BatchCommand
	totalPending  int
	lastBatchTime time.Time
}

// NewCommandBatcher creates a batcher with the given window and size
// limit. A zero window or size falls back to the §4.5.3 defaults.
func NewCommandBatcher(window time.Duration, maxSize int) *CommandBatcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	return &CommandBatcher{
		window:        window,
		maxSize:       maxSize,
		pending:       make(map[groupKey][]BatchCommand),
		lastBatchTime: time.Now(),
	}
}

// PendingCount returns the number of commands accumulated since the last
// flush.
func (b *CommandBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalPending
}

// ShouldFlush reports whether the time window has elapsed or the size
// limit has been reached.
func (b *CommandBatcher) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastBatchTime) >= b.window || b.totalPending >= b.maxSize
}

// Add accumulates one pending write.
func (b *CommandBatcher) Add(cmd BatchCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := groupKey{cmd.SlaveID, cmd.FunctionCode}
	b.pending[k] = append(b.pending[k], cmd)
	b.totalPending++
}

// Flush returns every pending command grouped by (slave_id,
// function_code) and resets the batcher's window and counters.
func (b *CommandBatcher) Flush() map[groupKey][]BatchCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = make(map[groupKey][]BatchCommand)
	b.totalPending = 0
	b.lastBatchTime = time.Now()
	return out
}

// AreStrictlyConsecutive reports whether a batch of same-(slave,fc)
// commands occupies a gapless address run, sorted by address, each
// point's footprint computed from its declared data type (§4.5.2's
// write-consecutive rule). Fewer than two commands is never consecutive
// since there's nothing for FC 15/16 to save over a single write.
func AreStrictlyConsecutive(cmds []BatchCommand) bool {
	if len(cmds) < 2 {
		return false
	}
	sorted := make([]BatchCommand, len(cmds))
	copy(sorted, cmds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RegisterAddress < sorted[j].RegisterAddress })

	expected := sorted[0].RegisterAddress
	for _, c := range sorted {
		if c.RegisterAddress != expected {
			return false
		}
		expected += footprintForDataType(c.DataType)
	}
	return true
}

func footprintForDataType(dt string) uint16 {
	switch dt {
	case "uint32", "int32", "float32":
		return 2
	case "uint64", "int64", "float64":
		return 4
	default:
		return 1
	}
}
