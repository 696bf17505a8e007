//
// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
//
package types

const (
	// MatchServiceStarted indicates the matchmaking service has started and is ready to process requests.
	MatchServiceStarted = "MatchServiceStarted"
	// ServiceEventsTopic represents the internal service lifecycle events.
	ServiceEventsTopic = "serviceEvents"
	// ClientRequestsTopic carries PlayerRequest messages from player sessions to the match coordinator.
	ClientRequestsTopic = "clientRequests"

	// PodIDEnv is the environment variable holding the local pod identity.
	PodIDEnv = "POD_ID"
	// RedisURLEnv overrides the store address from the configuration file.
	RedisURLEnv = "REDIS_URL"

	// Player session lifecycle states.
	Idle      = "Idle"
	InQueue   = "InQueue"
	Loading   = "Loading"
	Completed = "Completed"
	Failed    = "Failed"

	// Player session lifecycle events.
	QueueJoined      = "QueueJoined"
	QueueLeft        = "QueueLeft"
	LoadingStarted   = "LoadingStarted"
	LoadingCancelled = "LoadingCancelled"
	MatchCompleted   = "MatchCompleted"
	SessionError     = "SessionError"
	HeartbeatSeen    = "HeartbeatSeen"
)
