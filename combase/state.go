// Package combase implements the channel runtime §4.7 describes: the
// owner of a channel's driver, point manager, polling engine, command
// subscription, and the transactional publish path into the store and
// routing plane.
package combase

import (
	"fmt"
	"sync"
	"time"
)

// State is a channel's lifecycle state.
type State string

const (
	StateCreated       State = "created"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateStopped       State = "stopped"
	// StateError is terminal-but-recoverable: reachable from any
	// connected state, and the only non-terminal state recoverable back
	// into Connecting (§4.7).
	StateError State = "error"
)

// validTransitions mirrors coordinator.Phase's ValidTransitions table,
// simplified from a workflow's pause/resume/checkpoint lattice down to
// the channel lifecycle's single forward path plus an error branch.
var validTransitions = map[State][]State{
	StateCreated:       {StateConnecting, StateError},
	StateConnecting:    {StateConnected, StateError},
	StateConnected:     {StateDisconnecting, StateError},
	StateDisconnecting: {StateStopped, StateError},
	StateError:         {StateConnecting, StateStopped},
	// StateStopped is terminal: no transitions out.
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// CanTransitionTo reports whether a transition from s to target is
// legal per validTransitions.
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range validTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// lifecycle tracks one channel's current state plus the timestamp and
// reason of its last transition, behind a mutex so polling, dispatch,
// and command-subscription goroutines can all observe it safely.
type lifecycle struct {
	mu        sync.RWMutex
	state     State
	changedAt time.Time
	reason    string
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: StateCreated, changedAt: time.Now()}
}

func (l *lifecycle) Current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// transitionTo validates and applies a state change, returning an error
// naming the rejected transition rather than applying it silently.
func (l *lifecycle) transitionTo(target State, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CanTransitionTo(target) {
		return fmt.Errorf("combase: invalid transition from %s to %s", l.state, target)
	}
	l.state = target
	l.changedAt = time.Now()
	l.reason = reason
	return nil
}

func (l *lifecycle) snapshot() (State, time.Time, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state, l.changedAt, l.reason
}
