// Package timeseries implements the stateful per-point calculators §4.10
// describes: Delta, MovingAverage, Peak, Valley, and Integration. State
// lives in the store keyed by (instance_id, point_id) so a process
// restart is transparent; only cron-boundary bookkeeping is kept
// in-memory, since it is cheap to rebuild and reparsing a schedule on
// every sample would be wasteful.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/store"
)

// Function names one of the stateful calculations §4.10 defines.
type Function string

const (
	Delta         Function = "delta"
	MovingAverage Function = "moving_average"
	Peak          Function = "peak"
	Valley        Function = "valley"
	Integration   Function = "integration"
)

// Spec describes one evaluation of a time-series function against a
// single instance point's latest sample.
type Spec struct {
	InstanceID uint32
	PointID    uint32
	Function   Function
	Value      decimal.Decimal

	Schedule      string // Delta, Peak, Valley: seven-field cron boundary schedule
	WindowMinutes int    // MovingAverage: buffer size
	ResetSchedule string // Integration: optional seven-field cron reset schedule
}

// Validate checks that a Spec's cron schedules (if any) parse, so a
// model load can reject an unusable configuration before the DAG
// compiles (§5.10a) instead of failing lazily on the first sample.
func (s Spec) Validate() error {
	switch s.Function {
	case Delta, Peak, Valley:
		if _, err := parseSevenField(s.Schedule); err != nil {
			return err
		}
	case MovingAverage:
		if s.WindowMinutes <= 0 {
			return fmt.Errorf("timeseries: moving average window must be positive, got %d", s.WindowMinutes)
		}
	case Integration:
		if s.ResetSchedule != "" {
			if _, err := parseSevenField(s.ResetSchedule); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("timeseries: unknown function %q", s.Function)
	}
	return nil
}

// Calculator evaluates the stateful functions against a store-backed
// instance/point keyspace.
type Calculator struct {
	st *store.Store
	ks keyspace.Config

	mu        sync.Mutex
	schedules map[string]cron.Schedule
	nextFire  map[string]time.Time
}

// NewCalculator creates a Calculator bound to a store and keyspace config.
func NewCalculator(st *store.Store, ks keyspace.Config) *Calculator {
	return &Calculator{
		st:        st,
		ks:        ks,
		schedules: make(map[string]cron.Schedule),
		nextFire:  make(map[string]time.Time),
	}
}

// Compute evaluates spec against now, returning the function's result and
// persisting whatever state the function requires.
func (c *Calculator) Compute(ctx context.Context, spec Spec, now time.Time) (decimal.Decimal, error) {
	switch spec.Function {
	case Delta:
		return c.delta(ctx, spec, now)
	case MovingAverage:
		return c.movingAverage(ctx, spec)
	case Peak:
		return c.extremum(ctx, spec, now, c.ks.PeakKey(spec.InstanceID, spec.PointID), decimal.Decimal.GreaterThan)
	case Valley:
		return c.extremum(ctx, spec, now, c.ks.ValleyKey(spec.InstanceID, spec.PointID), decimal.Decimal.LessThan)
	case Integration:
		return c.integration(ctx, spec, now)
	default:
		return decimal.Zero, fmt.Errorf("timeseries: unknown function %q", spec.Function)
	}
}

// delta rotates the baseline snapshot on a boundary crossing and always
// returns the current value minus whatever snapshot is current (§4.10).
func (c *Calculator) delta(ctx context.Context, spec Spec, now time.Time) (decimal.Decimal, error) {
	key := c.ks.SnapshotKey(spec.InstanceID, spec.PointID)

	crossed, err := c.boundaryCrossed(spec.InstanceID, spec.PointID, "delta", spec.Schedule, now)
	if err != nil {
		return decimal.Zero, err
	}

	prev, hasPrev, err := c.getDecimal(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}

	if crossed {
		if err := c.setDecimal(ctx, key, spec.Value); err != nil {
			return decimal.Zero, err
		}
		if !hasPrev {
			return decimal.Zero, nil
		}
		return spec.Value.Sub(prev), nil
	}

	if !hasPrev {
		// First sample of a fresh instance: establish the baseline so
		// later samples in the same interval have something to diff
		// against, and report no movement yet.
		if err := c.setDecimal(ctx, key, spec.Value); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, nil
	}
	return spec.Value.Sub(prev), nil
}

// movingAverage pushes the current sample onto a bounded list and
// returns the mean of whatever the list currently holds.
func (c *Calculator) movingAverage(ctx context.Context, spec Spec) (decimal.Decimal, error) {
	key := c.ks.BufferKey(spec.InstanceID, spec.PointID)

	if err := c.st.ListPushBack(ctx, key, spec.Value.String()); err != nil {
		return decimal.Zero, fmt.Errorf("timeseries: moving average push: %w", err)
	}
	if err := c.st.ListTrim(ctx, key, -int64(spec.WindowMinutes), -1); err != nil {
		return decimal.Zero, fmt.Errorf("timeseries: moving average trim: %w", err)
	}

	raw, err := c.st.ListRange(ctx, key, 0, -1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("timeseries: moving average read: %w", err)
	}
	if len(raw) == 0 {
		return spec.Value, nil
	}

	sum := decimal.Zero
	n := 0
	for _, s := range raw {
		v, err := decimal.NewFromString(s)
		if err != nil {
			continue // a foreign/corrupt entry must not poison the whole window
		}
		sum = sum.Add(v)
		n++
	}
	if n == 0 {
		return spec.Value, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), nil
}

// extremum implements Peak and Valley, which are symmetric save for the
// comparison used to decide whether the running value improves on the
// stored one.
func (c *Calculator) extremum(ctx context.Context, spec Spec, now time.Time, key string, better func(decimal.Decimal, decimal.Decimal) bool) (decimal.Decimal, error) {
	crossed, err := c.boundaryCrossed(spec.InstanceID, spec.PointID, key, spec.Schedule, now)
	if err != nil {
		return decimal.Zero, err
	}

	if crossed {
		if err := c.setDecimal(ctx, key, spec.Value); err != nil {
			return decimal.Zero, err
		}
		return spec.Value, nil
	}

	current, hasCurrent, err := c.getDecimal(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if !hasCurrent || better(spec.Value, current) {
		if err := c.setDecimal(ctx, key, spec.Value); err != nil {
			return decimal.Zero, err
		}
		return spec.Value, nil
	}
	return current, nil
}

// integration accumulates value*dt (dt in hours, so a kW sample yields
// kWh) using the last observed timestamp, optionally dropping its state
// on a reset-schedule boundary crossing.
func (c *Calculator) integration(ctx context.Context, spec Spec, now time.Time) (decimal.Decimal, error) {
	integralKey := c.ks.IntegralKey(spec.InstanceID, spec.PointID)
	tsKey := c.ks.IntegralTimestampKey(spec.InstanceID, spec.PointID)

	if spec.ResetSchedule != "" {
		crossed, err := c.boundaryCrossed(spec.InstanceID, spec.PointID, "integration-reset", spec.ResetSchedule, now)
		if err != nil {
			return decimal.Zero, err
		}
		if crossed {
			if err := c.st.Del(ctx, integralKey, tsKey); err != nil {
				return decimal.Zero, fmt.Errorf("timeseries: integration reset: %w", err)
			}
		}
	}

	current, _, err := c.getDecimal(ctx, integralKey)
	if err != nil {
		return decimal.Zero, err
	}

	lastRaw, hasLast, err := c.getString(ctx, tsKey)
	if err != nil {
		return decimal.Zero, err
	}

	newIntegral := decimal.Zero
	if hasLast {
		lastUnix, err := strconv.ParseInt(lastRaw, 10, 64)
		if err == nil {
			dtHours := float64(now.Unix()-lastUnix) / 3600
			if dtHours > 0 {
				newIntegral = current.Add(spec.Value.Mul(decimal.NewFromFloat(dtHours)))
			} else {
				newIntegral = current
			}
		}
	}

	if err := c.setDecimal(ctx, integralKey, newIntegral); err != nil {
		return decimal.Zero, err
	}
	if err := c.st.Set(ctx, tsKey, strconv.FormatInt(now.Unix(), 10), 0); err != nil {
		return decimal.Zero, fmt.Errorf("timeseries: integration timestamp write: %w", err)
	}
	return newIntegral, nil
}

// boundaryCrossed reports whether the cron schedule identified by
// (iid, pid, kind) has fired since the last check, memoising the parsed
// schedule and the next-fire time per key so the expression is parsed at
// most once (§4.10).
func (c *Calculator) boundaryCrossed(iid, pid uint32, kind, scheduleExpr string, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	memoKey := fmt.Sprintf("%d:%d:%s:%s", iid, pid, kind, scheduleExpr)

	sched, ok := c.schedules[memoKey]
	if !ok {
		parsed, err := parseSevenField(scheduleExpr)
		if err != nil {
			return false, err
		}
		c.schedules[memoKey] = parsed
		sched = parsed
	}

	next, seen := c.nextFire[memoKey]
	if !seen {
		c.nextFire[memoKey] = sched.Next(now)
		return false, nil
	}
	if !now.Before(next) {
		c.nextFire[memoKey] = sched.Next(now)
		return true, nil
	}
	return false, nil
}

func (c *Calculator) getDecimal(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	raw, hasValue, err := c.getString(ctx, key)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !hasValue {
		return decimal.Zero, false, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, nil // a corrupt value is treated as absent, not fatal
	}
	return v, true, nil
}

func (c *Calculator) setDecimal(ctx context.Context, key string, v decimal.Decimal) error {
	if err := c.st.Set(ctx, key, v.String(), 0); err != nil {
		return fmt.Errorf("timeseries: write %s: %w", key, err)
	}
	return nil
}

func (c *Calculator) getString(ctx context.Context, key string) (string, bool, error) {
	raw, err := c.st.Get(ctx, key)
	if err == nil {
		return raw, true, nil
	}
	var serr *store.Error
	if errors.As(err, &serr) && serr.Kind == store.NotFound {
		return "", false, nil
	}
	return "", false, fmt.Errorf("timeseries: read %s: %w", key, err)
}

// parseSevenField parses the gateway's seven-field cron form
// ("sec min hour day month weekday year"); the year field is validated
// separately since robfig/cron's standard parser only understands the
// first six.
func parseSevenField(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 7 {
		return nil, fmt.Errorf("timeseries: schedule %q must have 7 fields (sec min hour day month weekday year), got %d", expr, len(fields))
	}

	year := fields[6]
	if year != "*" {
		if _, err := strconv.Atoi(year); err != nil {
			return nil, fmt.Errorf("timeseries: schedule %q: year field must be numeric or \"*\": %w", expr, err)
		}
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.Join(fields[:6], " "))
	if err != nil {
		return nil, fmt.Errorf("timeseries: invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}
