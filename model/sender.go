package model

import (
	"context"
	"fmt"

	"github.com/voltage-ems/core/keyspace"
	"github.com/voltage-ems/core/routing"
)

// ActionSender is the one public entry point external collaborators
// (a rules engine, an operator UI) use to set an action on an instance
// by name rather than id, wrapping "resolve instance name → M2C apply"
// (§4.3 "Instance name resolution"). Unlike an Instance's own action
// outputs, which already know their instance id, a caller here starts
// from a human-readable name.
type ActionSender struct {
	routing *routing.Cache
}

// NewActionSender creates an ActionSender bound to the shared routing cache.
func NewActionSender(routing *routing.Cache) *ActionSender {
	return &ActionSender{routing: routing}
}

// SetByName resolves instanceName to an instance id and applies the
// action via M2C, returning the routing outcome the caller can inspect
// (no matching instance, no route configured for the point, or ok).
func (s *ActionSender) SetByName(ctx context.Context, instanceName string, pt keyspace.PointType, pointID uint32, value string) (routing.Result, error) {
	if !pt.IsDownlink() {
		return "", fmt.Errorf("model: action sender: point type %q is not a downlink type", pt)
	}
	instanceID, err := s.routing.ResolveInstanceName(ctx, instanceName)
	if err != nil {
		return "", fmt.Errorf("model: action sender: %w", err)
	}
	return s.routing.ApplyM2C(ctx, instanceID, pt, pointID, value), nil
}
