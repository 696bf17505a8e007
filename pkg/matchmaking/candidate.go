// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package matchmaking

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duelforge/matchcore/pkg/battle"
	"github.com/duelforge/matchcore/pkg/store"
	"github.com/google/uuid"
)

// ErrPoisonedCandidate marks a popped queue entry whose metadata is missing,
// malformed or lacks the owning pod. Poisoned candidates are dropped, never
// requeued.
var ErrPoisonedCandidate = errors.New("poisoned candidate")

// PlayerMetadata is the server-built blob stored beside a queue entry. Deck
// is opaque to the engine.
type PlayerMetadata struct {
	PodID string          `json:"pod_id"`
	MMR   int64           `json:"mmr,omitempty"`
	Level int             `json:"level,omitempty"`
	Deck  json.RawMessage `json:"deck,omitempty"`
}

// PlayerCandidate is a queue entry materialized by a pop. The tick that
// popped it owns it until it is routed or requeued. Metadata keeps the raw
// blob so a requeue restores the entry byte for byte.
type PlayerCandidate struct {
	PlayerID uuid.UUID
	Score    int64
	PodID    string
	MMR      int64
	Metadata string
}

// Participant converts the candidate into the battle simulator's input.
func (c PlayerCandidate) Participant() battle.Participant {
	return battle.Participant{
		ID:       c.PlayerID,
		MMR:      c.MMR,
		Metadata: json.RawMessage(c.Metadata),
	}
}

// ParseCandidate validates one popped entry. Entries that cannot be matched
// safely fail with ErrPoisonedCandidate; the player id is still returned when
// it could be parsed so the caller can notify the player.
func ParseCandidate(entry store.QueueEntry) (PlayerCandidate, error) {
	playerID, err := uuid.Parse(entry.PlayerID)
	if err != nil {
		return PlayerCandidate{}, fmt.Errorf("%w: invalid player id %q: %s", ErrPoisonedCandidate, entry.PlayerID, err)
	}
	candidate := PlayerCandidate{
		PlayerID: playerID,
		Score:    entry.Score,
		Metadata: entry.Metadata,
	}
	var meta PlayerMetadata
	if err := json.Unmarshal([]byte(entry.Metadata), &meta); err != nil {
		return candidate, fmt.Errorf("%w: player %s has malformed metadata: %s", ErrPoisonedCandidate, playerID, err)
	}
	if meta.PodID == "" {
		return candidate, fmt.Errorf("%w: player %s has no pod_id in metadata", ErrPoisonedCandidate, playerID)
	}
	candidate.PodID = meta.PodID
	candidate.MMR = meta.MMR
	return candidate, nil
}
