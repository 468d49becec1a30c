// Package reconciler implements the periodic orphan-key cleanup §4.11
// describes: keys belonging to a channel, instance, or point that has
// dropped out of the current configuration are removed so a deleted
// or renumbered entity does not leave stale state behind forever.
package reconciler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
	"github.com/voltage-ems/core/telemetry"
)

// preservedSubstrings are always skipped, regardless of what entity a
// key appears to name (§4.11 "system-prefixed keys are always
// preserved").
var preservedSubstrings = []string{":stats:", ":config:", ":meta:", ":system:"}

// Registry answers the reconciler's two questions: which channel/
// instance ids currently exist, and which point ids are currently
// defined for a given entity and point type. A config.Manifest
// satisfies this directly.
type Registry interface {
	ChannelIDs() []uint16
	InstanceIDs() []uint32
	ChannelPointIDs(channelID uint16, pt keyspace.PointType) []uint32
	InstancePointIDs(instanceID uint32, pt keyspace.PointType) []uint32
}

// Reconciler periodically sweeps the store for keys whose owning
// entity or point is no longer configured and deletes them. It holds
// no locks against live publishers: a deletion race where a publisher
// re-creates a key is accepted and self-heals on the next pass (§4.11).
type Reconciler struct {
	st       *store.Store
	ks       keyspace.Config
	reg      Registry
	interval time.Duration
	log      *telemetry.ContextLogger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New creates a Reconciler that sweeps every interval once started.
func New(st *store.Store, ks keyspace.Config, reg Registry, interval time.Duration) *Reconciler {
	return &Reconciler{
		st:       st,
		ks:       ks,
		reg:      reg,
		interval: interval,
		log:      telemetry.ServiceLogger("modsrv", "reconciler"),
	}
}

// Start launches the ticking sweep loop, generalising worker.Pool's
// one-goroutine ticking-loop shape to a single periodic cleanup task
// rather than a job-queue consumer.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	go r.loop(runCtx)
}

// Stop cancels the sweep loop and waits for any in-flight pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.doneCh != nil {
		<-r.doneCh
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Warn("reconciliation pass failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep over comsrv:* and inst:*, deleting
// keys for entities no longer configured and pruning hash fields for
// points no longer configured.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	channelIDs := toSet(r.reg.ChannelIDs())
	instanceIDs := toSet32(r.reg.InstanceIDs())

	removed := 0
	fieldsRemoved := 0

	n, f, err := r.sweep(ctx, r.ks.ChannelScanPattern(), func(parts []string) (keep bool, reap func() (int, error)) {
		return r.reconcileChannelKey(ctx, parts, channelIDs)
	})
	if err != nil {
		return err
	}
	removed += n
	fieldsRemoved += f

	n, f, err = r.sweep(ctx, r.ks.InstanceScanPattern(), func(parts []string) (keep bool, reap func() (int, error)) {
		return r.reconcileInstanceKey(ctx, parts, instanceIDs)
	})
	if err != nil {
		return err
	}
	removed += n
	fieldsRemoved += f

	if removed > 0 || fieldsRemoved > 0 {
		r.log.WithField("keys_removed", removed).WithField("fields_removed", fieldsRemoved).Info("reconciliation pass removed orphaned state")
	}
	return nil
}

// sweep scans pattern and, for every key not covered by a preserved
// substring, asks decide whether the key's owning entity still exists
// and, if so, runs the returned field-level reaper. It returns the
// number of whole keys deleted and the number of hash fields pruned.
func (r *Reconciler) sweep(ctx context.Context, pattern string, decide func(parts []string) (keep bool, reap func() (int, error))) (int, int, error) {
	keys, err := r.st.PatternScan(ctx, pattern)
	if err != nil {
		return 0, 0, err
	}

	removed := 0
	fieldsRemoved := 0
	for _, key := range keys {
		if isPreserved(key) {
			continue
		}
		parts := strings.Split(key, ":")
		keep, reap := decide(parts)
		if !keep {
			if err := r.st.Del(ctx, key); err != nil {
				return removed, fieldsRemoved, err
			}
			removed++
			continue
		}
		if reap != nil {
			n, err := reap()
			if err != nil {
				return removed, fieldsRemoved, err
			}
			fieldsRemoved += n
		}
	}
	return removed, fieldsRemoved, nil
}

// reconcileChannelKey inspects one "comsrv:..." key. parts[0] is always
// "comsrv"; parts[1] is expected to be a numeric channel id. A
// non-numeric second segment (none in the current schema, but possible
// in a future key shape) is left untouched rather than guessed at.
func (r *Reconciler) reconcileChannelKey(ctx context.Context, parts []string, channelIDs map[uint16]bool) (bool, func() (int, error)) {
	if len(parts) < 2 {
		return true, nil
	}
	id, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return true, nil
	}
	channelID := uint16(id)
	if !channelIDs[channelID] {
		return false, nil
	}
	if len(parts) != 3 {
		return true, nil // ts/raw/TODO/DLQ/cursor suffixes: whole-key lifetime tracks the channel only
	}
	pt := keyspace.PointType(parts[2])
	switch pt {
	case keyspace.Telemetry, keyspace.Signal, keyspace.Control, keyspace.Adjustment:
	default:
		return true, nil
	}
	key := r.ks.ChannelKey(channelID, pt)
	valid := toSet32u(r.reg.ChannelPointIDs(channelID, pt))
	return true, func() (int, error) { return r.pruneFields(ctx, key, valid) }
}

// reconcileInstanceKey mirrors reconcileChannelKey for "inst:..." keys.
// "inst:name:index" is the one global (non-entity-keyed) instance key;
// its second segment ("name") fails the numeric parse and is left alone.
func (r *Reconciler) reconcileInstanceKey(ctx context.Context, parts []string, instanceIDs map[uint32]bool) (bool, func() (int, error)) {
	if len(parts) < 2 {
		return true, nil
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return true, nil
	}
	instanceID := uint32(id)
	if !instanceIDs[instanceID] {
		return false, nil
	}
	if len(parts) != 3 {
		return true, nil // "name" suffix and other non-point keys: tracked by instance lifetime only
	}
	pt := keyspace.PointType(parts[2])
	switch pt {
	case keyspace.Telemetry, keyspace.Signal, keyspace.Control, keyspace.Adjustment:
	default:
		return true, nil
	}
	key := r.ks.InstanceKey(instanceID, pt)
	valid := toSet32u(r.reg.InstancePointIDs(instanceID, pt))
	return true, func() (int, error) { return r.pruneFields(ctx, key, valid) }
}

func (r *Reconciler) pruneFields(ctx context.Context, key string, valid map[uint32]bool) (int, error) {
	fields, err := r.st.HGetAll(ctx, key)
	if err != nil {
		return 0, err
	}
	var stale []string
	for field := range fields {
		id, err := strconv.ParseUint(field, 10, 32)
		if err != nil || !valid[uint32(id)] {
			stale = append(stale, field)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := r.st.HDel(ctx, key, stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func isPreserved(key string) bool {
	for _, sub := range preservedSubstrings {
		if strings.Contains(key, sub) {
			return true
		}
	}
	return false
}

func toSet(ids []uint16) map[uint16]bool {
	out := make(map[uint16]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func toSet32(ids []uint32) map[uint32]bool {
	out := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func toSet32u(ids []uint32) map[uint32]bool {
	return toSet32(ids)
}
