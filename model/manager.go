package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/voltage-ems/core/telemetry"
)

// Manager owns every model instance in the gateway, generalising
// worker.Pool's one-goroutine-per-queue-worker shape to one
// recompute-loop goroutine per instance (§6 "one scheduler goroutine per
// model instance").
type Manager struct {
	mu        sync.Mutex
	instances map[uint32]*Instance
	log       *telemetry.ContextLogger
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		instances: make(map[uint32]*Instance),
		log:       telemetry.ServiceLogger("modsrv", "manager"),
	}
}

// Add compiles cfg into an Instance and registers it, without starting it.
func (m *Manager) Add(cfg Config) (*Instance, error) {
	inst, err := New(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.instances[cfg.InstanceID]; dup {
		return nil, fmt.Errorf("model: instance %d already registered", cfg.InstanceID)
	}
	m.instances[cfg.InstanceID] = inst
	return inst, nil
}

// Get returns the instance for instanceID, if registered.
func (m *Manager) Get(instanceID uint32) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	return inst, ok
}

// Start starts every registered instance, stopping any already-started
// instance and returning the first error if one fails to start.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := make([]*Instance, 0, len(m.instances))
	for id, inst := range m.instances {
		if err := inst.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("model: start instance %d: %w", id, err)
		}
		started = append(started, inst)
	}
	m.log.WithField("instance_count", len(started)).Info("model instances started")
	return nil
}

// Stop stops every registered instance.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		inst.Stop()
	}
}

// Len returns the number of registered instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
