// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package types

import (
	"time"

	"github.com/duelforge/matchcore/pkg/profile"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/google/uuid"
	mb "github.com/vardius/message-bus"
)

// WithBus is a type that contains a message bus.
type WithBus interface {
	Bus() mb.MessageBus
}

// PlayerRequest is a client request published on the message bus by a player
// session and consumed by the match coordinator.
type PlayerRequest struct {
	PlayerID uuid.UUID
	Message  protocol.ClientMessage
}

// MatchConfig represents the on-disk configuration of the matchmaking daemon.
type MatchConfig struct {
	RedisURL                string           `json:"redis_url"`
	AdminPort               string           `json:"admin_port"`
	BusSize                 int              `json:"bus_size"`
	StoreTimeoutMs          int64            `json:"store_timeout_ms"`
	PublishTimeoutMs        int64            `json:"publish_timeout_ms"`
	CircuitThreshold        uint64           `json:"circuit_threshold"`
	CircuitCooldownMs       int64            `json:"circuit_cooldown_ms"`
	BattleSimulateTimeoutMs int64            `json:"battle_simulate_timeout_ms"`
	RateLimitRps            float64          `json:"rate_limit_rps"`
	SubscriberGraceMs       int64            `json:"subscriber_grace_ms"`
	PodDownThreshold        int64            `json:"pod_down_threshold"`
	BackoffInitialMs        int64            `json:"backoff_initial_ms"`
	BackoffMaxMs            int64            `json:"backoff_max_ms"`
	ProfileServiceURL       string           `json:"profile_service_url"`
	MetricsAuthToken        string           `json:"metrics_auth_token"`
	Modes                   []GameModeConfig `json:"modes"`
}

// MatchTypedConfig reflects MatchConfig, but it contains the real property types.
// PodID is not part of the file, it is injected from the POD_ID environment variable.
type MatchTypedConfig struct {
	RedisURL              string
	PodID                 string
	AdminPort             string
	BusSize               int
	StoreTimeout          time.Duration
	PublishTimeout        time.Duration
	CircuitThreshold      uint64
	CircuitCooldown       time.Duration
	BattleSimulateTimeout time.Duration
	RateLimitRps          float64
	SubscriberGrace       time.Duration
	PodDownThreshold      int64
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	ProfileClient         profile.Fetcher
	MetricsAuthToken      string
	Modes                 []GameModeTypedConfig
}

// GameModeConfig represents the per-mode section of the configuration file.
type GameModeConfig struct {
	ModeID                string `json:"mode_id"`
	RequiredPlayers       int    `json:"required_players"`
	UsesMmrMatching       bool   `json:"uses_mmr_matching"`
	TickIntervalMs        int64  `json:"tick_interval_ms"`
	BatchMultiplier       int    `json:"batch_multiplier"`
	MmrBaseWindow         int64  `json:"mmr_base_window"`
	MmrWindowCap          int64  `json:"mmr_window_cap"`
	LoadingSessionEnabled bool   `json:"loading_session_enabled"`
	LoadingTimeoutMs      int64  `json:"loading_timeout_ms"`
}

// GameModeTypedConfig reflects GameModeConfig, but it contains the real property types.
type GameModeTypedConfig struct {
	ModeID                string
	RequiredPlayers       int
	UsesMmrMatching       bool
	TickInterval          time.Duration
	BatchMultiplier       int
	MmrBaseWindow         int64
	MmrWindowCap          int64
	LoadingSessionEnabled bool
	LoadingTimeout        time.Duration
}
