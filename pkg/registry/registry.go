// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package registry

import (
	"errors"
	"sync"

	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotRegistered is returned when a delivery targets a player without a
// live session on this pod.
var ErrNotRegistered = errors.New("player not registered on this pod")

// Handle is the in-process delivery endpoint of a live player session.
type Handle interface {
	Send(msg protocol.ServerMessage) error
}

// NewRegistry returns an empty player registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		players: map[uuid.UUID]Handle{},
		logger:  logger,
	}
}

// Registry maps player identities to their session handles on the local pod.
// It is the single process-wide hop between matchmaking and live sessions.
type Registry struct {
	mux     sync.RWMutex
	players map[uuid.UUID]Handle
	logger  *zap.SugaredLogger
}

// Register binds a session handle to a player identity. A second register for
// the same identity replaces the previous handle (reconnect).
func (r *Registry) Register(playerID uuid.UUID, handle Handle) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.logger.Debugf("Registering player %s", playerID)
	r.players[playerID] = handle
}

// Deregister removes the binding of a player identity. The handle must match
// the current binding, a stale deregister after a reconnect must not remove
// the newer session. Deregistering an unknown player is a no-op.
func (r *Registry) Deregister(playerID uuid.UUID, handle Handle) {
	r.mux.Lock()
	defer r.mux.Unlock()
	current, ok := r.players[playerID]
	if !ok {
		return
	}
	if current != handle {
		r.logger.Debugf("Skipping stale deregister for player %s", playerID)
		return
	}
	r.logger.Debugf("Deregistering player %s", playerID)
	delete(r.players, playerID)
}

// Lookup returns the session handle of a player, if any.
func (r *Registry) Lookup(playerID uuid.UUID) (Handle, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	handle, ok := r.players[playerID]
	return handle, ok
}

// RouteTo delivers a message to the player's local session. It returns
// ErrNotRegistered when the session is gone.
func (r *Registry) RouteTo(playerID uuid.UUID, msg protocol.ServerMessage) error {
	handle, ok := r.Lookup(playerID)
	if !ok {
		r.logger.Warnf("Player %s not found in registry", playerID)
		return ErrNotRegistered
	}
	return handle.Send(msg)
}

// Count returns the number of registered players.
func (r *Registry) Count() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.players)
}
