// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// breakerWait is how long the subscriber sleeps before rechecking an open
// circuit breaker.
const breakerWait = 5 * time.Second

// SubscriptionSource opens pub/sub subscriptions on the shared store.
type SubscriptionSource interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// SubscriberOptions configure the pod channel subscriber.
type SubscriberOptions struct {
	PodID          string
	GracePeriod    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// NewSubscriber returns the long-lived consumer of this pod's game message
// channel. Messages are parsed and handed to sink.
func NewSubscriber(opts SubscriberOptions, source SubscriptionSource, sink LocalSink, breaker *store.CircuitBreaker, m *metrics.Metrics, logger *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		opts:    opts,
		source:  source,
		sink:    sink,
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}
}

// Subscriber consumes the channel pod:<self>:game_message for the lifetime
// of the process and re-delivers each envelope to the local registry.
type Subscriber struct {
	opts    SubscriberOptions
	source  SubscriptionSource
	sink    LocalSink
	breaker *store.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// Run subscribes and receives until ctx is cancelled. Subscription failures
// are retried with exponential backoff gated by the circuit breaker.
func (s *Subscriber) Run(ctx context.Context) {
	channel := store.GameMessageChannel(s.opts.PodID)
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.opts.BackoffInitial
	expo.MaxInterval = s.opts.BackoffMax
	expo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			s.logger.Infof("[%s] Shutting down game message subscriber", s.opts.PodID)
			return
		}
		if s.breaker.IsOpen() {
			s.logger.Warnf("[%s] Circuit breaker is open for %s subscriber, waiting", s.opts.PodID, channel)
			if !sleepOrDone(ctx, breakerWait) {
				return
			}
			continue
		}
		pubsub := s.source.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				continue
			}
			s.breaker.RecordFailure()
			delay := expo.NextBackOff()
			s.logger.Errorf("Failed to subscribe to %s: %s", channel, err)
			s.logger.Warnf("Retrying subscription to %s in %s", channel, delay)
			if !sleepOrDone(ctx, delay) {
				return
			}
			continue
		}
		s.breaker.RecordSuccess()
		expo.Reset()
		s.logger.Infof("Subscribed to channel %s", channel)
		s.receive(ctx, pubsub)
		_ = pubsub.Close()
	}
}

// receive pumps messages until the subscription ends or ctx is cancelled. On
// cancellation it drains buffered messages before returning.
func (s *Subscriber) receive(ctx context.Context, pubsub *redis.PubSub) {
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.drain(msgs)
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(msg.Payload)
		}
	}
}

// drain delivers messages that were already received, stopping as soon as
// the buffer is empty or the grace period elapses.
func (s *Subscriber) drain(msgs <-chan *redis.Message) {
	deadline := time.NewTimer(s.opts.GracePeriod)
	defer deadline.Stop()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(msg.Payload)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var envelope protocol.GameMessageEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		s.logger.Errorf("Failed to parse game message envelope: %s", err)
		return
	}
	playerID, err := uuid.Parse(envelope.TargetPlayerID)
	if err != nil {
		s.logger.Errorf("Invalid target_player_id in game message: %s", err)
		return
	}
	s.logger.Debugf("Cross-pod message received for player %s", playerID)
	if err := s.sink.RouteTo(playerID, envelope.Message); err != nil {
		s.metrics.RoutingFailuresTotal.Inc()
		s.logger.Warnf("Dropping cross-pod message for player %s: %s", playerID, err)
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
