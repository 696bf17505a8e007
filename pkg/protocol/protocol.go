// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client to server message types.
const (
	TypeEnqueue         = "enqueue"
	TypeDequeue         = "dequeue"
	TypeHeartbeat       = "heartbeat"
	TypeLoadingComplete = "loading_complete"
)

// Server to client message types.
const (
	TypeEnQueued     = "en_queued"
	TypeDeQueued     = "de_queued"
	TypeMatchFound   = "match_found"
	TypeStartLoading = "start_loading"
	TypeError        = "error"
	TypePong         = "pong"
)

// ErrorCode identifies a client-visible failure class.
type ErrorCode string

const (
	ErrCodeInvalidGameMode      ErrorCode = "invalid_game_mode"
	ErrCodeAlreadyInQueue       ErrorCode = "already_in_queue"
	ErrCodeNotInQueue           ErrorCode = "not_in_queue"
	ErrCodeInternalError        ErrorCode = "internal_error"
	ErrCodeInvalidMessageFormat ErrorCode = "invalid_message_format"
	ErrCodeWrongSessionID       ErrorCode = "wrong_session_id"
	ErrCodeRateLimitExceeded    ErrorCode = "rate_limit_exceeded"
	ErrCodeInvalidMetadata      ErrorCode = "invalid_metadata"
	ErrCodeMatchmakingTimeout   ErrorCode = "matchmaking_timeout"
	ErrCodeLoadingCancelled     ErrorCode = "loading_cancelled"
)

// ClientMessage is a request sent by a player client.
type ClientMessage struct {
	Type             string `json:"type"`
	GameMode         string `json:"game_mode,omitempty"`
	LoadingSessionID string `json:"loading_session_id,omitempty"`
}

// ServerMessage is an event sent back to a player client. The zero fields of
// the variants not selected by Type are omitted on the wire.
type ServerMessage struct {
	Type             string          `json:"type"`
	WinnerID         string          `json:"winner_id,omitempty"`
	OpponentID       string          `json:"opponent_id,omitempty"`
	BattleData       json.RawMessage `json:"battle_data,omitempty"`
	LoadingSessionID string          `json:"loading_session_id,omitempty"`
	Code             ErrorCode       `json:"code,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// GameMessageEnvelope wraps a ServerMessage for cross-pod delivery over the
// per-pod pub/sub channel.
type GameMessageEnvelope struct {
	TargetPlayerID string        `json:"target_player_id"`
	Message        ServerMessage `json:"message"`
}

// EnQueued acknowledges a successful enqueue.
func EnQueued() ServerMessage {
	return ServerMessage{Type: TypeEnQueued}
}

// DeQueued acknowledges a queue removal.
func DeQueued() ServerMessage {
	return ServerMessage{Type: TypeDeQueued}
}

// MatchFound carries the battle outcome to one participant.
func MatchFound(winnerID, opponentID string, battleData json.RawMessage) ServerMessage {
	return ServerMessage{
		Type:       TypeMatchFound,
		WinnerID:   winnerID,
		OpponentID: opponentID,
		BattleData: battleData,
	}
}

// StartLoading instructs a client to begin asset loading for a pending match.
func StartLoading(loadingSessionID string) ServerMessage {
	return ServerMessage{Type: TypeStartLoading, LoadingSessionID: loadingSessionID}
}

// Pong answers a heartbeat.
func Pong() ServerMessage {
	return ServerMessage{Type: TypePong}
}

// Error reports a failure with a stable code and a human readable message.
func Error(code ErrorCode, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}

// ParseClientMessage decodes and validates a raw client payload. The returned
// error describes the first violation and maps to ErrCodeInvalidMessageFormat.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("malformed client message: %s", err)
	}
	switch msg.Type {
	case TypeEnqueue, TypeDequeue:
		if msg.GameMode == "" {
			return msg, fmt.Errorf("%s message misses the game_mode field", msg.Type)
		}
	case TypeHeartbeat:
	case TypeLoadingComplete:
		if msg.LoadingSessionID == "" {
			return msg, fmt.Errorf("loading_complete message misses the loading_session_id field")
		}
	case "":
		return msg, fmt.Errorf("client message misses the type field")
	default:
		return msg, fmt.Errorf("unknown client message type %q", msg.Type)
	}
	return msg, nil
}
