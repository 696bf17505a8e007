// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duelforge/matchcore/pkg/metrics"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDownstreamUnreachable is returned when a cross-pod publish reaches zero
// subscribers. Callers typically requeue the affected players.
var ErrDownstreamUnreachable = errors.New("target pod has no subscribers")

// Publisher is the pub/sub send side of the shared store.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) (int64, error)
}

// LocalSink delivers messages to sessions hosted on this pod.
type LocalSink interface {
	RouteTo(playerID uuid.UUID, msg protocol.ServerMessage) error
}

// NewRouter returns a router that delivers messages to players on this pod
// through sink and to players on other pods through publisher.
func NewRouter(podID string, sink LocalSink, publisher Publisher, monitor *PodMonitor, publishTimeout time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *Router {
	return &Router{
		podID:          podID,
		sink:           sink,
		publisher:      publisher,
		monitor:        monitor,
		publishTimeout: publishTimeout,
		metrics:        m,
		logger:         logger,
	}
}

// Router decides per message whether the target session lives in this
// process or behind another pod's channel.
type Router struct {
	podID          string
	sink           LocalSink
	publisher      Publisher
	monitor        *PodMonitor
	publishTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *zap.SugaredLogger
}

// PodID returns the identity of the local pod.
func (r *Router) PodID() string {
	return r.podID
}

// Deliver sends msg to the player whose session is owned by targetPod. Local
// targets go through the registry, remote targets are published as a
// GameMessageEnvelope on the target pod's channel. A publish that reaches no
// subscribers fails with ErrDownstreamUnreachable.
func (r *Router) Deliver(ctx context.Context, targetPod string, playerID uuid.UUID, msg protocol.ServerMessage) error {
	if targetPod == r.podID {
		if err := r.sink.RouteTo(playerID, msg); err != nil {
			r.metrics.RoutingFailuresTotal.Inc()
			return fmt.Errorf("local delivery to player %s failed: %w", playerID, err)
		}
		r.metrics.MessagesRoutedSamePodTotal.Inc()
		return nil
	}
	payload, err := json.Marshal(protocol.GameMessageEnvelope{
		TargetPlayerID: playerID.String(),
		Message:        msg,
	})
	if err != nil {
		return fmt.Errorf("marshalling game message envelope: %s", err)
	}
	if r.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.publishTimeout)
		defer cancel()
	}
	channel := store.GameMessageChannel(targetPod)
	subscribers, err := r.publisher.Publish(ctx, channel, string(payload))
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	r.monitor.RecordDelivery(targetPod, subscribers)
	if subscribers == 0 {
		r.logger.Warnf("No subscribers for channel %s (player %s may be offline)", channel, playerID)
		return fmt.Errorf("%w: pod %q", ErrDownstreamUnreachable, targetPod)
	}
	r.logger.Debugf("Published to %s (%d subscribers)", channel, subscribers)
	r.metrics.MessagesRoutedCrossPodTotal.Inc()
	return nil
}
