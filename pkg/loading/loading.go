// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0

// Package loading runs the confirmation stage between pair formation and the
// battle. A formed pair first loads its assets; the battle starts once every
// participant confirmed. Session state lives on the shared store, so players
// of one session may confirm through different pods.
package loading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duelforge/matchcore/pkg/battle"
	"github.com/duelforge/matchcore/pkg/matchmaking"
	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownSession reports a loading acknowledgement for a session that does
// not exist anymore or never contained the player.
var ErrUnknownSession = errors.New("unknown loading session")

// defaultTimeout bounds sessions of modes without an own loading timeout.
const defaultTimeout = 30 * time.Second

// Store is the session slice of the shared store the manager drives. Enqueue
// restores players after failed battles, everything else runs the session
// scripts.
type Store interface {
	Enqueue(ctx context.Context, mode, playerID string, score int64, metadata string) (bool, int64, error)
	CreateSession(ctx context.Context, doc store.SessionDoc) error
	ReadySession(ctx context.Context, sessionID, playerID string) (int64, int64, error)
	ClaimSession(ctx context.Context, sessionID string) (store.SessionDoc, bool, error)
	CancelSession(ctx context.Context, sessionID, cancellerID string, nowMs int64) ([]store.RequeuedPlayer, error)
	SweepSessions(ctx context.Context, nowMs int64) ([]store.RequeuedPlayer, error)
}

// Deliverer routes a server message to the pod hosting the player's session.
type Deliverer interface {
	Deliver(ctx context.Context, targetPod string, playerID uuid.UUID, msg protocol.ServerMessage) error
}

// Invoker runs the battle once every participant confirmed loading.
type Invoker interface {
	Invoke(ctx context.Context, mode string, p1, p2 battle.Participant) (battle.Result, error)
}

// Options bundles the collaborators of the loading manager.
type Options struct {
	PodID     string
	Store     Store
	Breaker   *store.CircuitBreaker
	Deliverer Deliverer
	Invoker   Invoker
	// Timeouts maps a mode to its loading deadline. Modes without an entry
	// use the default.
	Timeouts map[string]time.Duration
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

// NewManager returns the loading session manager of this pod.
func NewManager(opts Options) *Manager {
	timeouts := opts.Timeouts
	if timeouts == nil {
		timeouts = map[string]time.Duration{}
	}
	return &Manager{
		podID:     opts.PodID,
		store:     opts.Store,
		breaker:   opts.Breaker,
		deliverer: opts.Deliverer,
		invoker:   opts.Invoker,
		timeouts:  timeouts,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// Manager owns the loading sessions this pod created or confirms. It keeps no
// local session state, the shared store is the single source of truth.
type Manager struct {
	podID     string
	store     Store
	breaker   *store.CircuitBreaker
	deliverer Deliverer
	invoker   Invoker
	timeouts  map[string]time.Duration
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

// BeginLoading opens a loading session for a formed pair and tells both
// players to start loading. An error means the pair never entered a session
// and the caller still owns it.
func (m *Manager) BeginLoading(ctx context.Context, mode string, p1, p2 matchmaking.PlayerCandidate) error {
	if err := m.breaker.Check(); err != nil {
		return err
	}
	sessionID := uuid.New().String()
	now := time.Now().UnixMilli()
	doc := store.SessionDoc{
		SessionID:  sessionID,
		Mode:       mode,
		CreatedMs:  now,
		DeadlineMs: now + m.timeout(mode).Milliseconds(),
		Players: []store.SessionPlayer{
			{PlayerID: p1.PlayerID.String(), PodID: p1.PodID, Score: p1.Score, Metadata: p1.Metadata},
			{PlayerID: p2.PlayerID.String(), PodID: p2.PodID, Score: p2.Score, Metadata: p2.Metadata},
		},
	}
	if err := m.store.CreateSession(ctx, doc); err != nil {
		m.breaker.RecordFailure()
		return err
	}
	m.breaker.RecordSuccess()
	m.logger.Infof("Loading session %s opened for %s vs %s (mode %s)", sessionID, p1.PlayerID, p2.PlayerID, mode)
	msg := protocol.StartLoading(sessionID)
	err1 := m.deliverer.Deliver(ctx, p1.PodID, p1.PlayerID, msg)
	err2 := m.deliverer.Deliver(ctx, p2.PodID, p2.PlayerID, msg)
	if err1 != nil || err2 != nil {
		m.logger.Warnf("Loading session %s could not be announced, cancelling", sessionID)
		if err := m.Cancel(ctx, sessionID, uuid.Nil, "Opponent unreachable - back in the queue"); err != nil {
			m.logger.Errorf("Failed to cancel unannounced loading session %s: %s", sessionID, err)
		}
	}
	return nil
}

// Ready records a loading acknowledgement. The last confirming player claims
// the session and triggers the battle.
func (m *Manager) Ready(ctx context.Context, playerID uuid.UUID, sessionID string) error {
	if sessionID == "" {
		return ErrUnknownSession
	}
	if err := m.breaker.Check(); err != nil {
		return err
	}
	ready, required, err := m.store.ReadySession(ctx, sessionID, playerID.String())
	switch {
	case errors.Is(err, store.ErrSessionGone), errors.Is(err, store.ErrNotInSession):
		m.breaker.RecordSuccess()
		return fmt.Errorf("%w: %s", ErrUnknownSession, err)
	case err != nil:
		m.breaker.RecordFailure()
		return err
	}
	m.breaker.RecordSuccess()
	m.logger.Infof("Player %s finished loading in session %s (%d/%d)", playerID, sessionID, ready, required)
	if ready < required {
		return nil
	}
	doc, claimed, err := m.store.ClaimSession(ctx, sessionID)
	if err != nil {
		m.breaker.RecordFailure()
		return err
	}
	m.breaker.RecordSuccess()
	if !claimed {
		// another pod won the claim, the battle runs there
		return nil
	}
	m.battle(ctx, doc)
	return nil
}

// Cancel tears down a loading session. The remaining participants move back
// into the queue and are told the session was cancelled; the canceller itself
// is not requeued. Cancelling an unknown session is a no-op.
func (m *Manager) Cancel(ctx context.Context, sessionID string, cancellerID uuid.UUID, reason string) error {
	canceller := ""
	if cancellerID != uuid.Nil {
		canceller = cancellerID.String()
	}
	requeued, err := m.store.CancelSession(ctx, sessionID, canceller, time.Now().UnixMilli())
	if err != nil {
		m.breaker.RecordFailure()
		return err
	}
	m.breaker.RecordSuccess()
	if len(requeued) > 0 {
		m.logger.Infof("Loading session %s cancelled, %d player(s) back in the queue", sessionID, len(requeued))
		m.notifyCancelled(ctx, requeued, reason)
	}
	return nil
}

// RunSweeper periodically cancels loading sessions past their deadline until
// ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	m.logger.Infof("Loading session sweeper started (interval %s)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Loading session sweeper stopping")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	if err := m.breaker.Check(); err != nil {
		return
	}
	requeued, err := m.store.SweepSessions(ctx, time.Now().UnixMilli())
	if err != nil {
		m.breaker.RecordFailure()
		m.logger.Errorf("Loading session sweep failed: %s", err)
		return
	}
	m.breaker.RecordSuccess()
	if len(requeued) == 0 {
		return
	}
	m.logger.Warnf("Requeued %d player(s) from timed out loading sessions", len(requeued))
	m.metrics.LoadingTimeoutPlayersTotal.Add(float64(len(requeued)))
	m.notifyCancelled(ctx, requeued, "Loading took too long - back in the queue")
}

// battle runs the match of a fully confirmed session and routes the results.
// Failures move both players back into the queue, exactly like the direct
// battle path.
func (m *Manager) battle(ctx context.Context, doc store.SessionDoc) {
	if len(doc.Players) != 2 {
		m.logger.Errorf("Loading session %s holds %d players, expected 2", doc.SessionID, len(doc.Players))
		return
	}
	c1, err1 := candidateFrom(doc.Players[0])
	c2, err2 := candidateFrom(doc.Players[1])
	if err1 != nil || err2 != nil {
		m.logger.Errorf("Loading session %s holds unparsable players: %v, %v", doc.SessionID, err1, err2)
		return
	}
	m.logger.Infof("Loading session %s complete, starting battle %s vs %s", doc.SessionID, c1.PlayerID, c2.PlayerID)
	pair := []store.RequeuedPlayer{
		{PlayerID: c1.PlayerID.String(), PodID: c1.PodID},
		{PlayerID: c2.PlayerID.String(), PodID: c2.PodID},
	}
	result, err := m.invoker.Invoke(ctx, doc.Mode, c1.Participant(), c2.Participant())
	if err != nil {
		m.metrics.SimulationFailuresTotal.Inc()
		m.logger.Errorf("Battle failed for session %s: %s, re-enqueueing both players", doc.SessionID, err)
		m.requeue(doc.Mode, []matchmaking.PlayerCandidate{c1, c2})
		m.notifyCancelled(ctx, pair, "Battle could not start - back in the queue")
		return
	}
	errD1 := m.deliverer.Deliver(ctx, c1.PodID, c1.PlayerID, protocol.MatchFound(result.WinnerID.String(), c2.PlayerID.String(), result.BattleData))
	errD2 := m.deliverer.Deliver(ctx, c2.PodID, c2.PlayerID, protocol.MatchFound(result.WinnerID.String(), c1.PlayerID.String(), result.BattleData))
	if errD1 != nil || errD2 != nil {
		m.logger.Warnf("Match delivery failed for session %s, re-enqueueing both players", doc.SessionID)
		m.requeue(doc.Mode, []matchmaking.PlayerCandidate{c1, c2})
		m.notifyCancelled(ctx, pair, "Opponent unreachable - back in the queue")
		return
	}
	m.metrics.MatchesCreatedTotal.WithLabelValues(doc.Mode).Inc()
	m.metrics.LoadingCompletedTotal.WithLabelValues(doc.Mode).Inc()
	if c1.PodID == m.podID && c2.PodID == m.podID {
		m.metrics.MatchesSamePodTotal.Inc()
	} else {
		m.metrics.MatchesCrossPodTotal.Inc()
	}
}

// requeue restores candidates with their original score and metadata. It runs
// on a fresh context so an in-progress shutdown cannot cancel the restore.
func (m *Manager) requeue(mode string, candidates []matchmaking.PlayerCandidate) {
	for _, c := range candidates {
		added, size, err := m.store.Enqueue(context.Background(), mode, c.PlayerID.String(), c.Score, c.Metadata)
		if err != nil {
			m.logger.Errorf("Failed to re-enqueue player %s into mode %s: %s", c.PlayerID, mode, err)
			continue
		}
		if added {
			m.metrics.PlayersRequeuedTotal.WithLabelValues(mode).Inc()
			m.metrics.PlayersInQueue.WithLabelValues(mode).Set(float64(size))
			m.logger.Infof("Player %s re-enqueued for mode %s, queue size %d", c.PlayerID, mode, size)
		}
	}
}

// notifyCancelled makes a best-effort attempt to tell requeued players their
// loading session ended. Unreachable players are only logged by the router.
func (m *Manager) notifyCancelled(ctx context.Context, requeued []store.RequeuedPlayer, reason string) {
	for _, p := range requeued {
		playerID, err := uuid.Parse(p.PlayerID)
		if err != nil {
			m.logger.Errorf("Requeued player id %q is not a uuid: %s", p.PlayerID, err)
			continue
		}
		_ = m.deliverer.Deliver(ctx, p.PodID, playerID, protocol.Error(protocol.ErrCodeLoadingCancelled, reason))
	}
}

func (m *Manager) timeout(mode string) time.Duration {
	if t, ok := m.timeouts[mode]; ok && t > 0 {
		return t
	}
	return defaultTimeout
}

func candidateFrom(p store.SessionPlayer) (matchmaking.PlayerCandidate, error) {
	return matchmaking.ParseCandidate(store.QueueEntry{
		PlayerID: p.PlayerID,
		Score:    p.Score,
		Metadata: p.Metadata,
	})
}
