// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrSessionGone is returned when a loading session no longer exists.
var ErrSessionGone = errors.New("loading session gone")

// ErrNotInSession is returned when a player reports readiness for a session
// it does not belong to.
var ErrNotInSession = errors.New("player not in loading session")

// SessionDoc is the loading session document stored under loading:<id>.
// The metadata of each participant is kept as the raw blob string so a
// cancelled session can requeue players byte-identical to their last enqueue.
// DeadlineMs doubles as the sweeper index score.
type SessionDoc struct {
	SessionID  string          `json:"session_id"`
	Mode       string          `json:"mode"`
	CreatedMs  int64           `json:"created_ms"`
	DeadlineMs int64           `json:"deadline_ms"`
	Players    []SessionPlayer `json:"players"`
}

// SessionPlayer is one participant of a loading session.
type SessionPlayer struct {
	PlayerID string `json:"player_id"`
	PodID    string `json:"pod_id"`
	Score    int64  `json:"score"`
	Metadata string `json:"metadata"`
	Ready    bool   `json:"ready"`
}

// RequeuedPlayer identifies a player that a cancel or sweep moved back into
// its mode queue, together with the pod hosting its session.
type RequeuedPlayer struct {
	PlayerID string
	PodID    string
}

// CreateSession stores a loading session document and registers it with the
// sweeper index under its deadline.
func (c *Client) CreateSession(ctx context.Context, doc SessionDoc) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("session document not serializable: %s", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	err = sessionCreateScript.Run(ctx, c.rdb,
		[]string{sessionsIndexKey, SessionKey(doc.SessionID)},
		doc.DeadlineMs, string(payload)).Err()
	if err != nil {
		return fmt.Errorf("store session create failed: %w", err)
	}
	return nil
}

// GetSession fetches a loading session document. The second return value is
// false when the session does not exist.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionDoc, bool, error) {
	var doc SessionDoc
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	raw, err := c.rdb.Get(ctx, SessionKey(sessionID)).Result()
	if err == redis.Nil {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("store session read failed: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return doc, false, fmt.Errorf("store returned an invalid session document: %s", err)
	}
	return doc, true, nil
}

// ReadySession marks one participant of a loading session as ready and
// returns the resulting ready count together with the participant count.
func (c *Client) ReadySession(ctx context.Context, sessionID, playerID string) (int64, int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := sessionReadyScript.Run(ctx, c.rdb, []string{SessionKey(sessionID)}, playerID).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("store session ready failed: %w", err)
	}
	ready, required, err := parseCountAndSize(res)
	if err != nil {
		return 0, 0, fmt.Errorf("store session ready returned an invalid reply: %s", err)
	}
	switch ready {
	case -1:
		return 0, 0, ErrSessionGone
	case -2:
		return 0, 0, ErrNotInSession
	}
	return ready, required, nil
}

// ClaimSession atomically takes ownership of a fully confirmed loading
// session. The document is removed from the store, so only one caller can win
// the claim. ok is false when the session is gone or not fully ready yet.
func (c *Client) ClaimSession(ctx context.Context, sessionID string) (SessionDoc, bool, error) {
	var doc SessionDoc
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := sessionClaimScript.Run(ctx, c.rdb, []string{SessionKey(sessionID), sessionsIndexKey}).Result()
	if err == redis.Nil {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, fmt.Errorf("store session claim failed: %w", err)
	}
	raw, err := asString(res)
	if err != nil {
		return doc, false, err
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return doc, false, fmt.Errorf("store returned an invalid session document: %s", err)
	}
	return doc, true, nil
}

// CancelSession deletes a loading session and re-enqueues all remaining
// participants with nowMs as their fresh score. The canceller itself is not
// requeued. It returns the requeued players. Cancelling an absent session is
// a no-op.
func (c *Client) CancelSession(ctx context.Context, sessionID, cancellerID string, nowMs int64) ([]RequeuedPlayer, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := sessionCancelScript.Run(ctx, c.rdb,
		[]string{SessionKey(sessionID), sessionsIndexKey}, cancellerID, nowMs).Result()
	if err != nil {
		return nil, fmt.Errorf("store session cancel failed: %w", err)
	}
	return parseRequeued(res)
}

// SweepSessions cancels every loading session whose deadline is at or before
// nowMs and re-enqueues their participants with nowMs as their fresh score.
// It returns the requeued players.
func (c *Client) SweepSessions(ctx context.Context, nowMs int64) ([]RequeuedPlayer, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := sessionSweepScript.Run(ctx, c.rdb, []string{sessionsIndexKey}, nowMs).Result()
	if err != nil {
		return nil, fmt.Errorf("store session sweep failed: %w", err)
	}
	return parseRequeued(res)
}

func parseRequeued(res interface{}) ([]RequeuedPlayer, error) {
	flat, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("store returned an invalid player list of type %T", res)
	}
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("store returned %d values, expected pairs", len(flat))
	}
	players := make([]RequeuedPlayer, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		id, err := asString(flat[i])
		if err != nil {
			return nil, err
		}
		pod, err := asString(flat[i+1])
		if err != nil {
			return nil, err
		}
		players = append(players, RequeuedPlayer{PlayerID: id, PodID: pod})
	}
	return players, nil
}
