// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	queueKeyPrefix    = "queue:"
	metadataKeyPrefix = "metadata:"
	sessionKeyPrefix  = "loading:"
	sessionsIndexKey  = "loading_sessions"
)

// QueueKey returns the store key of the per-mode queue.
func QueueKey(mode string) string {
	return queueKeyPrefix + mode
}

// MetadataKey returns the store key of a player's metadata blob.
func MetadataKey(playerID string) string {
	return metadataKeyPrefix + playerID
}

// SessionKey returns the store key of a loading session document.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// GameMessageChannel returns the pub/sub channel a pod listens on for
// player-addressed envelopes.
func GameMessageChannel(podID string) string {
	return fmt.Sprintf("pod:%s:game_message", podID)
}

// QueueEntry is one popped queue element as returned by the pop script. The
// metadata is passed on unparsed, candidate validation happens in the
// matchmaker.
type QueueEntry struct {
	PlayerID string
	Score    int64
	Metadata string
}

// AbstractClient is the store interface consumed by the matchmaking packages.
type AbstractClient interface {
	Enqueue(ctx context.Context, mode, playerID string, score int64, metadata string) (bool, int64, error)
	Dequeue(ctx context.Context, mode, playerID string) (bool, int64, error)
	PopBatch(ctx context.Context, mode string, batchSize int) ([]QueueEntry, error)
	QueueSize(ctx context.Context, mode string) (int64, error)
	Publish(ctx context.Context, channel, payload string) (int64, error)
}

// NewClient returns a store client for the given redis URL. Every operation
// is bounded by opTimeout.
func NewClient(redisURL string, opTimeout time.Duration, logger *zap.SugaredLogger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %s", err)
	}
	return &Client{
		rdb:       redis.NewClient(opts),
		opTimeout: opTimeout,
		logger:    logger,
	}, nil
}

// NewClientWithRedis wraps an existing redis client. Used by tests that back
// the store with an in-process server.
func NewClientWithRedis(rdb *redis.Client, opTimeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{rdb: rdb, opTimeout: opTimeout, logger: logger}
}

// Client talks to the shared store. All queue and metadata mutations go
// through the atomic scripts.
type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
	logger    *zap.SugaredLogger
}

// Ping verifies the store connection.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Enqueue atomically adds a player with its metadata blob to the mode queue.
// It reports whether the player was added and the resulting queue size. A
// player that is already queued is left untouched and reported with added=false.
func (c *Client) Enqueue(ctx context.Context, mode, playerID string, score int64, metadata string) (bool, int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := enqueueScript.Run(ctx, c.rdb, []string{QueueKey(mode)}, playerID, score, metadata).Result()
	if err != nil {
		return false, 0, fmt.Errorf("store enqueue failed: %w", err)
	}
	added, size, err := parseCountAndSize(res)
	if err != nil {
		return false, 0, fmt.Errorf("store enqueue returned an invalid reply: %s", err)
	}
	return added == 1, size, nil
}

// Dequeue atomically removes a player and its metadata blob from the mode
// queue. Removing an absent player is a no-op with removed=false.
func (c *Client) Dequeue(ctx context.Context, mode, playerID string) (bool, int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := dequeueScript.Run(ctx, c.rdb, []string{QueueKey(mode)}, playerID).Result()
	if err != nil {
		return false, 0, fmt.Errorf("store dequeue failed: %w", err)
	}
	removed, size, err := parseCountAndSize(res)
	if err != nil {
		return false, 0, fmt.Errorf("store dequeue returned an invalid reply: %s", err)
	}
	return removed == 1, size, nil
}

// PopBatch atomically pops up to batchSize players in score order, together
// with their metadata blobs. A batch size of zero returns an empty slice
// without touching the store state.
func (c *Client) PopBatch(ctx context.Context, mode string, batchSize int) ([]QueueEntry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := popBatchScript.Run(ctx, c.rdb, []string{QueueKey(mode)}, batchSize).Result()
	if err != nil {
		return nil, fmt.Errorf("store pop failed: %w", err)
	}
	flat, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("store pop returned an invalid reply of type %T", res)
	}
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("store pop returned %d values, expected triples", len(flat))
	}
	entries := make([]QueueEntry, 0, len(flat)/3)
	for i := 0; i < len(flat); i += 3 {
		playerID, err := asString(flat[i])
		if err != nil {
			return nil, err
		}
		scoreStr, err := asString(flat[i+1])
		if err != nil {
			return nil, err
		}
		score, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			return nil, fmt.Errorf("store pop returned a non numeric score %q", scoreStr)
		}
		metadata, err := asString(flat[i+2])
		if err != nil {
			return nil, err
		}
		entries = append(entries, QueueEntry{
			PlayerID: playerID,
			Score:    int64(score),
			Metadata: metadata,
		})
	}
	return entries, nil
}

// QueueSize returns the current number of queued players for a mode.
func (c *Client) QueueSize(ctx context.Context, mode string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	size, err := c.rdb.ZCard(ctx, QueueKey(mode)).Result()
	if err != nil {
		return 0, fmt.Errorf("store queue size failed: %w", err)
	}
	return size, nil
}

// MetadataExists reports whether a metadata blob is present for the player.
func (c *Client) MetadataExists(ctx context.Context, playerID string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, MetadataKey(playerID)).Result()
	if err != nil {
		return false, fmt.Errorf("store metadata lookup failed: %w", err)
	}
	return n == 1, nil
}

// Publish sends a payload on a pub/sub channel and returns the number of
// subscribers that received it.
func (c *Client) Publish(ctx context.Context, channel, payload string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("store publish failed: %w", err)
	}
	return n, nil
}

// Subscribe opens a pub/sub subscription on the given channel. The caller
// owns the returned subscription and must close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// parseCountAndSize decodes the {count, size} integer pair replies of the
// enqueue and dequeue scripts.
func parseCountAndSize(res interface{}) (int64, int64, error) {
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("expected a pair, got %T", res)
	}
	count, ok := pair[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("expected an integer count, got %T", pair[0])
	}
	size, ok := pair[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("expected an integer size, got %T", pair[1])
	}
	return count, size, nil
}

func asString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("store returned an unexpected value of type %T", v)
	}
	return s, nil
}
