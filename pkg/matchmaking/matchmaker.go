// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0

// Package matchmaking forms matches from the per-mode queues on the shared
// store. Each matchmaker owns one mode: it admits players, pops candidate
// batches on a periodic tick, pairs them, runs the battle and hands the
// results to the router.
package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/duelforge/matchcore/pkg/battle"
	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/store"
	"github.com/duelforge/matchcore/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyQueued reports a duplicate enqueue. The queue entry and its
	// metadata are left untouched.
	ErrAlreadyQueued = errors.New("player already in queue")

	// ErrInvalidMetadata reports an enqueue whose metadata lacks the owning
	// pod identity.
	ErrInvalidMetadata = errors.New("metadata lacks the owning pod")
)

// QueueStore is the slice of the shared store a matchmaker mutates. All three
// operations run as atomic scripts.
type QueueStore interface {
	Enqueue(ctx context.Context, mode, playerID string, score int64, metadata string) (bool, int64, error)
	Dequeue(ctx context.Context, mode, playerID string) (bool, int64, error)
	PopBatch(ctx context.Context, mode string, batchSize int) ([]store.QueueEntry, error)
}

// Deliverer routes a server message to a player's session wherever it lives.
type Deliverer interface {
	Deliver(ctx context.Context, targetPod string, playerID uuid.UUID, msg protocol.ServerMessage) error
}

// Invoker runs the battle for a formed pair.
type Invoker interface {
	Invoke(ctx context.Context, mode string, p1, p2 battle.Participant) (battle.Result, error)
}

// PairHandler takes ownership of a formed pair before any battle happens.
// An error moves both players back into the queue.
type PairHandler interface {
	BeginLoading(ctx context.Context, mode string, p1, p2 PlayerCandidate) error
}

// Options bundles the collaborators of one matchmaker.
type Options struct {
	Mode           types.GameModeTypedConfig
	PodID          string
	Store          QueueStore
	Breaker        *store.CircuitBreaker
	Deliverer      Deliverer
	Invoker        Invoker
	Loading        PairHandler
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.SugaredLogger
}

// NewMatchmaker returns the matchmaker for one game mode.
func NewMatchmaker(opts Options) *Matchmaker {
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 10 * time.Second
	}
	return &Matchmaker{
		mode:           opts.Mode,
		podID:          opts.PodID,
		store:          opts.Store,
		breaker:        opts.Breaker,
		deliverer:      opts.Deliverer,
		invoker:        opts.Invoker,
		loading:        opts.Loading,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
}

// Matchmaker owns one mode's queue admission and match formation. The tick
// schedule, the in-flight latch and the widening state live here; the queue
// itself lives on the shared store.
type Matchmaker struct {
	mode           types.GameModeTypedConfig
	podID          string
	store          QueueStore
	breaker        *store.CircuitBreaker
	deliverer      Deliverer
	invoker        Invoker
	loading        PairHandler
	backoffInitial time.Duration
	backoffMax     time.Duration
	metrics        *metrics.Metrics
	logger         *zap.SugaredLogger
	inFlight       atomic.Bool
	unmatchedTicks atomic.Uint32
}

// Mode returns the mode this matchmaker serves.
func (m *Matchmaker) Mode() string {
	return m.mode.ModeID
}

// Enqueue admits a player into the mode's queue. A duplicate fails with
// ErrAlreadyQueued and leaves the existing entry untouched. Store failures
// fail fast, the caller surfaces them to the player.
func (m *Matchmaker) Enqueue(ctx context.Context, playerID uuid.UUID, meta PlayerMetadata) error {
	if meta.PodID == "" {
		return ErrInvalidMetadata
	}
	if err := m.breaker.Check(); err != nil {
		return err
	}
	score := time.Now().UnixMilli()
	if m.mode.UsesMmrMatching {
		score = meta.MMR
	}
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling metadata for player %s: %s", playerID, err)
	}
	added, size, err := m.store.Enqueue(ctx, m.mode.ModeID, playerID.String(), score, string(blob))
	if err != nil {
		m.breaker.RecordFailure()
		return fmt.Errorf("enqueueing player %s into mode %s: %w", playerID, m.mode.ModeID, err)
	}
	m.breaker.RecordSuccess()
	m.metrics.PlayersInQueue.WithLabelValues(m.mode.ModeID).Set(float64(size))
	if !added {
		m.logger.Warnf("Player %s already in queue %s", playerID, m.mode.ModeID)
		m.metrics.AbnormalDuplicateEnqueueTotal.Inc()
		return ErrAlreadyQueued
	}
	m.logger.Infof("Player %s enqueued for mode %s on pod %s, queue size %d", playerID, m.mode.ModeID, meta.PodID, size)
	m.metrics.PlayersEnqueuedNewTotal.WithLabelValues(m.mode.ModeID).Inc()
	return nil
}

// Dequeue removes a player from the queue and deletes its metadata. The
// returned flag reports whether the player was actually queued.
func (m *Matchmaker) Dequeue(ctx context.Context, playerID uuid.UUID) (bool, error) {
	if err := m.breaker.Check(); err != nil {
		return false, err
	}
	removed, size, err := m.store.Dequeue(ctx, m.mode.ModeID, playerID.String())
	if err != nil {
		m.breaker.RecordFailure()
		return false, fmt.Errorf("dequeueing player %s from mode %s: %w", playerID, m.mode.ModeID, err)
	}
	m.breaker.RecordSuccess()
	m.metrics.PlayersInQueue.WithLabelValues(m.mode.ModeID).Set(float64(size))
	if removed {
		m.logger.Infof("Player %s dequeued from mode %s, queue size %d", playerID, m.mode.ModeID, size)
	}
	return removed, nil
}

// Run drives the periodic match tick until ctx is cancelled.
func (m *Matchmaker) Run(ctx context.Context) {
	m.logger.Infof("Matchmaker started for mode %s (tick every %s)", m.mode.ModeID, m.mode.TickInterval)
	ticker := time.NewTicker(m.mode.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Infof("Matchmaker for mode %s stopping", m.mode.ModeID)
			return
		case <-ticker.C:
			m.TryMatch(ctx)
		}
	}
}

// TryMatch runs one match-forming pass: pop a batch, drop poisoned entries,
// pair, battle, deliver. At most one pass per mode is active at any instant,
// an overlapping call is counted and skipped.
func (m *Matchmaker) TryMatch(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Infof("TryMatch already in progress for mode %s, skipping this tick", m.mode.ModeID)
		m.metrics.TryMatchSkippedTotal.WithLabelValues(m.mode.ModeID).Inc()
		return
	}
	defer m.inFlight.Store(false)

	if ctx.Err() != nil {
		return
	}
	if err := m.breaker.Check(); err != nil {
		m.logger.Warnf("Store circuit open, skipping match tick for mode %s: %s", m.mode.ModeID, err)
		return
	}
	candidates, err := m.collectCandidates(ctx)
	if err != nil {
		m.logger.Errorf("Failed to collect candidates for mode %s: %s", m.mode.ModeID, err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	if len(candidates) < m.mode.RequiredPlayers {
		m.logger.Infof("Only %d candidate(s) in mode %s, re-enqueueing until next tick", len(candidates), m.mode.ModeID)
		m.requeue(candidates)
		return
	}
	pairs, leftovers := m.formPairs(candidates)
	if len(pairs) == 0 {
		m.unmatchedTicks.Add(1)
	} else {
		m.unmatchedTicks.Store(0)
	}
	m.requeue(leftovers)
	for i, p := range pairs {
		if ctx.Err() != nil {
			m.logger.Warnf("Shutdown requested, re-enqueueing remaining candidates for mode %s", m.mode.ModeID)
			m.requeuePairs(pairs[i:])
			return
		}
		m.processPair(ctx, p)
	}
}

// collectCandidates pops one batch, retrying store failures with exponential
// backoff until the circuit opens or ctx ends.
func (m *Matchmaker) collectCandidates(ctx context.Context) ([]PlayerCandidate, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.backoffInitial
	expo.MaxInterval = m.backoffMax
	expo.MaxElapsedTime = 0
	batch := m.mode.RequiredPlayers * m.mode.BatchMultiplier
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.breaker.Check(); err != nil {
			return nil, err
		}
		entries, err := m.store.PopBatch(ctx, m.mode.ModeID, batch)
		if err == nil {
			m.breaker.RecordSuccess()
			return m.parseCandidates(ctx, entries), nil
		}
		m.breaker.RecordFailure()
		delay := expo.NextBackOff()
		m.logger.Warnf("Failed to pop candidates for mode %s: %s (retrying in %s)", m.mode.ModeID, err, delay)
		if !sleepOrDone(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

// parseCandidates validates popped entries. Poisoned entries are counted,
// notified best-effort and dropped. They never re-enter any queue.
func (m *Matchmaker) parseCandidates(ctx context.Context, entries []store.QueueEntry) []PlayerCandidate {
	candidates := make([]PlayerCandidate, 0, len(entries))
	poisoned := 0
	for _, entry := range entries {
		candidate, err := ParseCandidate(entry)
		if err != nil {
			poisoned++
			m.logger.Errorf("Dropping candidate from mode %s: %s", m.mode.ModeID, err)
			m.metrics.PoisonedCandidatesTotal.Inc()
			m.notifyPoisoned(ctx, candidate.PlayerID)
			continue
		}
		if !m.mode.UsesMmrMatching {
			m.metrics.MatchWaitSeconds.Observe(float64(time.Now().UnixMilli()-candidate.Score) / 1000.0)
		}
		candidates = append(candidates, candidate)
	}
	if poisoned > 0 {
		m.logger.Warnf("Skipped %d poisoned candidate(s) from mode %s, %d valid candidates remain", poisoned, m.mode.ModeID, len(candidates))
	}
	return candidates
}

// notifyPoisoned makes a best-effort attempt to tell a dropped player it was
// removed from the queue. The player may live on another pod or be gone, so
// a failed delivery is only logged by the router.
func (m *Matchmaker) notifyPoisoned(ctx context.Context, playerID uuid.UUID) {
	if playerID == uuid.Nil {
		return
	}
	m.logger.Errorf("Notifying poisoned candidate %s that it was dequeued", playerID)
	if err := m.deliverer.Deliver(ctx, m.podID, playerID, protocol.DeQueued()); err != nil {
		return
	}
	_ = m.deliverer.Deliver(ctx, m.podID, playerID, protocol.Error(protocol.ErrCodeInvalidMetadata, "Invalid player metadata - removed from queue"))
}

// processPair battles the pair and delivers the result to both players. Any
// simulation or delivery failure moves both players back into the queue and
// the match is not counted.
func (m *Matchmaker) processPair(ctx context.Context, pr pair) {
	m.logger.Infof("Processing match pair: %s vs %s (mode %s)", pr.p1.PlayerID, pr.p2.PlayerID, m.mode.ModeID)
	if m.mode.LoadingSessionEnabled && m.loading != nil {
		if err := m.loading.BeginLoading(ctx, m.mode.ModeID, pr.p1, pr.p2); err != nil {
			m.logger.Errorf("Failed to start loading session for %s vs %s: %s", pr.p1.PlayerID, pr.p2.PlayerID, err)
			m.requeue([]PlayerCandidate{pr.p1, pr.p2})
		}
		return
	}
	result, err := m.invoker.Invoke(ctx, m.mode.ModeID, pr.p1.Participant(), pr.p2.Participant())
	if err != nil {
		m.metrics.SimulationFailuresTotal.Inc()
		m.logger.Errorf("Battle failed for %s vs %s: %s, re-enqueueing both players", pr.p1.PlayerID, pr.p2.PlayerID, err)
		m.requeue([]PlayerCandidate{pr.p1, pr.p2})
		return
	}
	err1 := m.deliverer.Deliver(ctx, pr.p1.PodID, pr.p1.PlayerID, protocol.MatchFound(result.WinnerID.String(), pr.p2.PlayerID.String(), result.BattleData))
	err2 := m.deliverer.Deliver(ctx, pr.p2.PodID, pr.p2.PlayerID, protocol.MatchFound(result.WinnerID.String(), pr.p1.PlayerID.String(), result.BattleData))
	if err1 != nil || err2 != nil {
		m.logger.Warnf("Match delivery failed for %s vs %s, re-enqueueing both players", pr.p1.PlayerID, pr.p2.PlayerID)
		m.requeue([]PlayerCandidate{pr.p1, pr.p2})
		return
	}
	m.metrics.MatchesCreatedTotal.WithLabelValues(m.mode.ModeID).Inc()
	if pr.p1.PodID == m.podID && pr.p2.PodID == m.podID {
		m.metrics.MatchesSamePodTotal.Inc()
		m.logger.Infof("Same-pod match completed")
	} else {
		m.metrics.MatchesCrossPodTotal.Inc()
		m.logger.Infof("Cross-pod match completed")
	}
}

// requeue restores candidates with their original score and metadata. It
// runs on a fresh context so an in-progress shutdown cannot cancel the
// restore.
func (m *Matchmaker) requeue(candidates []PlayerCandidate) {
	for _, c := range candidates {
		added, size, err := m.store.Enqueue(context.Background(), m.mode.ModeID, c.PlayerID.String(), c.Score, c.Metadata)
		if err != nil {
			m.logger.Errorf("Failed to re-enqueue player %s into mode %s: %s", c.PlayerID, m.mode.ModeID, err)
			continue
		}
		if added {
			m.metrics.PlayersRequeuedTotal.WithLabelValues(m.mode.ModeID).Inc()
			m.metrics.PlayersInQueue.WithLabelValues(m.mode.ModeID).Set(float64(size))
			m.logger.Infof("Player %s re-enqueued for mode %s, queue size %d", c.PlayerID, m.mode.ModeID, size)
		}
	}
}

func (m *Matchmaker) requeuePairs(pairs []pair) {
	for _, p := range pairs {
		m.requeue([]PlayerCandidate{p.p1, p.p2})
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
