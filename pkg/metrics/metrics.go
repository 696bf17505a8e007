// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetrics registers all matchmaking collectors with the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		MatchesCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matches_created_total",
			Help: "Total number of matches created",
		}, []string{"mode"}),
		PlayersInQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "players_in_queue",
			Help: "Current number of players in matchmaking queue",
		}, []string{"mode"}),
		PlayersEnqueuedNewTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "players_enqueued_new_total",
			Help: "Total players newly enqueued (excluding requeues)",
		}, []string{"mode"}),
		PlayersRequeuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "players_requeued_total",
			Help: "Total players re-enqueued (requeues only)",
		}, []string{"mode"}),
		PoisonedCandidatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "poisoned_candidates_total",
			Help: "Popped candidates dropped due to missing or invalid metadata",
		}),
		TryMatchSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "try_match_skipped_total",
			Help: "Match ticks skipped because a previous tick was still running",
		}, []string{"mode"}),
		CircuitBreakerOpenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "circuit_breaker_open_total",
			Help: "Number of times the store circuit breaker opened",
		}),
		MatchesSamePodTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "matches_same_pod_total",
			Help: "Matches whose participants were all on the local pod",
		}),
		MatchesCrossPodTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "matches_cross_pod_total",
			Help: "Matches with at least one participant on another pod",
		}),
		MessagesRoutedSamePodTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_routed_same_pod_total",
			Help: "Messages delivered through the local player registry",
		}),
		MessagesRoutedCrossPodTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_routed_cross_pod_total",
			Help: "Messages published to another pod's channel",
		}),
		AbnormalDuplicateEnqueueTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "abnormal_duplicate_enqueue_total",
			Help: "Duplicate enqueue attempts",
		}),
		AbnormalUnknownTypeTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "abnormal_unknown_type_total",
			Help: "Unknown or malformed client messages received",
		}),
		RateLimitExceededTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_exceeded_total",
			Help: "Requests rejected by the per-source rate limit",
		}),
		RoutingFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "routing_failures_total",
			Help: "Deliveries dropped because the target session was not registered",
		}),
		SimulationFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "simulation_failures_total",
			Help: "Battle simulations that timed out or failed",
		}),
		MatchmakingErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchmaking_errors_total",
			Help: "Total matchmaking error messages emitted to clients",
		}),
		PodAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pod_available",
			Help: "1 when the target pod has subscribers, 0 after the unreachable threshold",
		}, []string{"target_pod"}),
		PodUnreachableTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_unreachable_total",
			Help: "Cross-pod publishes that reached zero subscribers",
		}, []string{"target_pod"}),
		MatchWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "match_wait_duration_seconds",
			Help:    "Queue wait time from enqueue to pop",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		LoadingCompletedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loading_completed_total_by_mode",
			Help: "Loading sessions completed by all participants",
		}, []string{"mode"}),
		LoadingTimeoutPlayersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "loading_session_timeout_players_total",
			Help: "Players requeued because their loading session timed out",
		}),
	}
}

// Metrics bundles the matchmaking collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	MatchesCreatedTotal           *prometheus.CounterVec
	PlayersInQueue                *prometheus.GaugeVec
	PlayersEnqueuedNewTotal       *prometheus.CounterVec
	PlayersRequeuedTotal          *prometheus.CounterVec
	PoisonedCandidatesTotal       prometheus.Counter
	TryMatchSkippedTotal          *prometheus.CounterVec
	CircuitBreakerOpenTotal       prometheus.Counter
	MatchesSamePodTotal           prometheus.Counter
	MatchesCrossPodTotal          prometheus.Counter
	MessagesRoutedSamePodTotal    prometheus.Counter
	MessagesRoutedCrossPodTotal   prometheus.Counter
	AbnormalDuplicateEnqueueTotal prometheus.Counter
	AbnormalUnknownTypeTotal      prometheus.Counter
	RateLimitExceededTotal        prometheus.Counter
	RoutingFailuresTotal          prometheus.Counter
	SimulationFailuresTotal       prometheus.Counter
	MatchmakingErrorsTotal        prometheus.Counter
	PodAvailable                  *prometheus.GaugeVec
	PodUnreachableTotal           *prometheus.CounterVec
	MatchWaitSeconds              prometheus.Histogram
	LoadingCompletedTotal         *prometheus.CounterVec
	LoadingTimeoutPlayersTotal    prometheus.Counter
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
