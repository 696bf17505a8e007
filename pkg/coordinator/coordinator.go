//
// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package coordinator fans player requests in from the message bus and
// dispatches them to the matchmaker owning the requested game mode.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duelforge/matchcore/pkg/loading"
	"github.com/duelforge/matchcore/pkg/matchmaking"
	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/profile"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/types"

	"github.com/google/uuid"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// ModeQueue is the per-mode matchmaker surface the coordinator drives.
type ModeQueue interface {
	Mode() string
	Enqueue(ctx context.Context, playerID uuid.UUID, meta matchmaking.PlayerMetadata) error
	Dequeue(ctx context.Context, playerID uuid.UUID) (bool, error)
}

// Deliverer routes a server message to the pod hosting the player's session.
type Deliverer interface {
	Deliver(ctx context.Context, targetPod string, playerID uuid.UUID, msg protocol.ServerMessage) error
}

// LoadingTracker records loading acknowledgements for pending matches.
type LoadingTracker interface {
	Ready(ctx context.Context, playerID uuid.UUID, sessionID string) error
}

// NewCoordinator returns a new match coordinator for the given mode queues.
// The loading tracker may be nil when no mode runs a loading phase.
func NewCoordinator(bus mb.MessageBus, podID string, queues []ModeQueue, deliverer Deliverer, profiles profile.Fetcher, tracker LoadingTracker, limiter *RateLimiter, m *metrics.Metrics, logger *zap.SugaredLogger) *Coordinator {
	modes := map[string]ModeQueue{}
	for _, q := range queues {
		modes[q.Mode()] = q
	}
	return &Coordinator{
		bus:       bus,
		podID:     podID,
		modes:     modes,
		deliverer: deliverer,
		profiles:  profiles,
		loading:   tracker,
		limiter:   limiter,
		metrics:   m,
		logger:    logger,
		startCh:   make(chan struct{}),
	}
}

// Coordinator owns the request side of the matchmaking engine. Sessions
// publish PlayerRequest events on the bus; the coordinator validates them,
// builds queue metadata and answers through the deliverer.
type Coordinator struct {
	bus       mb.MessageBus
	podID     string
	modes     map[string]ModeQueue
	deliverer Deliverer
	profiles  profile.Fetcher
	loading   LoadingTracker
	limiter   *RateLimiter
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	startCh   chan struct{}
}

// Start subscribes the coordinator on the message bus and announces that it
// is ready to accept player requests.
func (c *Coordinator) Start() error {
	err := c.bus.Subscribe(types.ServiceEventsTopic, func(e interface{}) {
		name, ok := e.(string)
		if ok && name == types.MatchServiceStarted {
			c.startCh <- struct{}{}
		}
	})
	if err != nil {
		return err
	}
	err = c.bus.Subscribe(types.ClientRequestsTopic, c.processIn)
	if err != nil {
		return err
	}
	c.bus.Publish(types.ServiceEventsTopic, types.MatchServiceStarted)
	return nil
}

// WaitUntilReady waits until the coordinator has started until the defined timeout is reached.
func (c *Coordinator) WaitUntilReady(timeout time.Duration) error {
	select {
	case <-c.startCh:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout while waiting for match coordinator to come online")
	}
}

// processIn takes care of incoming requests from the player sessions.
func (c *Coordinator) processIn(e interface{}) {
	req := e.(*types.PlayerRequest)
	ctx := context.Background()
	if !c.limiter.Allow(req.PlayerID) {
		c.metrics.RateLimitExceededTotal.Inc()
		c.logger.Debugf("Rate limit exceeded for player %s", req.PlayerID)
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeRateLimitExceeded, "Too many requests"))
		return
	}
	switch req.Message.Type {
	case protocol.TypeEnqueue:
		c.handleEnqueue(ctx, req)
	case protocol.TypeDequeue:
		c.handleDequeue(ctx, req)
	case protocol.TypeLoadingComplete:
		c.handleLoadingComplete(ctx, req)
	default:
		c.metrics.AbnormalUnknownTypeTotal.Inc()
		c.logger.Warnf("Unknown message type %q from player %s", req.Message.Type, req.PlayerID)
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeInvalidMessageFormat, "Unknown message type"))
	}
}

func (c *Coordinator) handleEnqueue(ctx context.Context, req *types.PlayerRequest) {
	mm, ok := c.modes[req.Message.GameMode]
	if !ok {
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeInvalidGameMode, fmt.Sprintf("Unknown game mode %q", req.Message.GameMode)))
		return
	}
	err := mm.Enqueue(ctx, req.PlayerID, c.buildMetadata(req.PlayerID))
	switch {
	case err == nil:
		c.reply(ctx, req.PlayerID, protocol.EnQueued())
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeAlreadyInQueue, "Already waiting in this queue"))
	default:
		c.logger.Errorf("Enqueue of player %s into mode %s failed: %v", req.PlayerID, mm.Mode(), err)
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeInternalError, "Failed to join the queue"))
	}
}

func (c *Coordinator) handleDequeue(ctx context.Context, req *types.PlayerRequest) {
	mm, ok := c.modes[req.Message.GameMode]
	if !ok {
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeInvalidGameMode, fmt.Sprintf("Unknown game mode %q", req.Message.GameMode)))
		return
	}
	removed, err := mm.Dequeue(ctx, req.PlayerID)
	switch {
	case err != nil:
		c.logger.Errorf("Dequeue of player %s from mode %s failed: %v", req.PlayerID, mm.Mode(), err)
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeInternalError, "Failed to leave the queue"))
	case !removed:
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeNotInQueue, "Not waiting in this queue"))
	default:
		c.reply(ctx, req.PlayerID, protocol.DeQueued())
	}
}

func (c *Coordinator) handleLoadingComplete(ctx context.Context, req *types.PlayerRequest) {
	if c.loading == nil {
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeWrongSessionID, "No loading session is pending"))
		return
	}
	err := c.loading.Ready(ctx, req.PlayerID, req.Message.LoadingSessionID)
	switch {
	case err == nil:
	case errors.Is(err, loading.ErrUnknownSession):
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeWrongSessionID, "Loading session is not pending for this player"))
	default:
		c.logger.Errorf("Loading acknowledgement of player %s failed: %v", req.PlayerID, err)
		c.reply(ctx, req.PlayerID, protocol.Error(protocol.ErrCodeInternalError, "Failed to record loading state"))
	}
}

// buildMetadata assembles the queue blob for a player. Profile lookups are
// best-effort: on failure the player still queues with the default rating.
func (c *Coordinator) buildMetadata(playerID uuid.UUID) matchmaking.PlayerMetadata {
	meta := matchmaking.PlayerMetadata{PodID: c.podID, MMR: profile.DefaultMMR}
	pp, err := c.profiles.GetPlayerProfile(playerID)
	if err != nil {
		c.logger.Warnf("Profile lookup for player %s failed, using defaults: %v", playerID, err)
		return meta
	}
	meta.MMR = pp.MMR
	meta.Level = pp.Level
	meta.Deck = pp.Deck
	return meta
}

// reply answers the player who issued the request. Requests originate from
// sessions on this pod, so delivery is always local.
func (c *Coordinator) reply(ctx context.Context, playerID uuid.UUID, msg protocol.ServerMessage) {
	if msg.Type == protocol.TypeError {
		c.metrics.MatchmakingErrorsTotal.Inc()
	}
	if err := c.deliverer.Deliver(ctx, c.podID, playerID, msg); err != nil {
		c.logger.Warnf("Failed to deliver %s to player %s: %v", msg.Type, playerID, err)
	}
}
