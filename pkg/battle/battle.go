// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSimulationFailed is returned when the simulator times out, panics or
// reports an error. Callers treat it as a routing failure for both players.
var ErrSimulationFailed = errors.New("battle simulation failed")

// Participant is one side of a battle.
type Participant struct {
	ID       uuid.UUID
	MMR      int64
	Metadata json.RawMessage
}

// Result is the outcome of a simulated battle. BattleData is opaque to the
// engine and forwarded to both clients unchanged.
type Result struct {
	WinnerID   uuid.UUID
	BattleData json.RawMessage
}

// Simulator computes a battle outcome. Implementations must be pure, the same
// participants in the same order yield the same result.
type Simulator func(mode string, p1, p2 Participant) (Result, error)

// NewInvoker returns an invoker that runs sim under the given wall-clock
// budget. A nil sim falls back to the deterministic default simulator.
func NewInvoker(sim Simulator, timeout time.Duration, logger *zap.SugaredLogger) *Invoker {
	if sim == nil {
		sim = Simulate
	}
	return &Invoker{
		simulate: sim,
		timeout:  timeout,
		logger:   logger,
	}
}

// Invoker wraps the battle simulator with a bounded execution budget and
// panic containment.
type Invoker struct {
	simulate Simulator
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

// Invoke runs the simulator for the pair and returns its result. It fails
// with ErrSimulationFailed when the budget is exceeded, the context ends or
// the simulator misbehaves.
func (i *Invoker) Invoke(ctx context.Context, mode string, p1, p2 Participant) (Result, error) {
	i.logger.Debugf("Executing battle: %s vs %s (mode %s)", p1.ID, p2.ID, mode)
	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("simulator panic: %v", rec)}
			}
		}()
		result, err := i.simulate(mode, p1, p2)
		done <- outcome{result: result, err: err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, fmt.Errorf("%w: %s", ErrSimulationFailed, out.err)
		}
		i.logger.Debugf("Battle completed: %s vs %s, winner %s", p1.ID, p2.ID, out.result.WinnerID)
		return out.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %s", ErrSimulationFailed, ctx.Err())
	case <-time.After(i.timeout):
		return Result{}, fmt.Errorf("%w: timed out after %s", ErrSimulationFailed, i.timeout)
	}
}

// Simulate is the default battle simulator. The winner is picked by hashing
// both identities together with their ratings, so replaying the same pair
// reproduces the same outcome.
func Simulate(mode string, p1, p2 Participant) (Result, error) {
	winner := p1
	if strength(mode, p2) > strength(mode, p1) {
		winner = p2
	}
	data, err := json.Marshal(map[string]interface{}{
		"mode": mode,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{WinnerID: winner.ID, BattleData: data}, nil
}

func strength(mode string, p Participant) uint64 {
	h := fnv.New64a()
	h.Write([]byte(mode))
	h.Write([]byte(p.ID.String()))
	fmt.Fprintf(h, "%d", p.MMR)
	return h.Sum64()
}
