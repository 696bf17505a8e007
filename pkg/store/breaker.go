// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when an operation is rejected because the
// circuit breaker is open.
var ErrCircuitOpen = errors.New("store circuit open")

// NewCircuitBreaker returns a closed breaker that opens after threshold
// consecutive failures and stays open for the cooldown duration. The first
// call after the cooldown expiry is let through again (half-open by expiry).
// onOpen is invoked once per transition to open and may be nil.
func NewCircuitBreaker(threshold uint64, cooldown time.Duration, logger *zap.SugaredLogger, onOpen func()) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		onOpen:    onOpen,
	}
}

// CircuitBreaker guards the shared store against hammering an unavailable
// dependency. All state is kept in atomics, callers never block on it.
type CircuitBreaker struct {
	consecutiveFailures atomic.Uint64
	openUntil           atomic.Int64
	threshold           uint64
	cooldown            time.Duration
	logger              *zap.SugaredLogger
	onOpen              func()
}

// Check returns nil when the circuit is closed and ErrCircuitOpen with the
// remaining cooldown otherwise.
func (b *CircuitBreaker) Check() error {
	openUntil := b.openUntil.Load()
	now := time.Now().UnixMilli()
	if openUntil > now {
		remaining := time.Duration(openUntil-now) * time.Millisecond
		return fmt.Errorf("%w for another %s", ErrCircuitOpen, remaining.Round(time.Millisecond))
	}
	return nil
}

// IsOpen reports whether the circuit is currently open.
func (b *CircuitBreaker) IsOpen() bool {
	return b.openUntil.Load() > time.Now().UnixMilli()
}

// RecordSuccess closes the circuit and resets the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	previous := b.consecutiveFailures.Swap(0)
	wasOpen := b.openUntil.Swap(0)
	if wasOpen > 0 {
		b.logger.Infof("Circuit breaker closed, recovered after %d failures", previous)
	}
}

// RecordFailure counts one failure and opens the circuit once the threshold
// is reached.
func (b *CircuitBreaker) RecordFailure() {
	failures := b.consecutiveFailures.Add(1)
	if failures >= b.threshold {
		b.openUntil.Store(time.Now().Add(b.cooldown).UnixMilli())
		b.logger.Errorf("Circuit breaker open after %d consecutive failures, blocking store operations for %s", failures, b.cooldown)
		if b.onOpen != nil {
			b.onOpen()
		}
	} else if failures%2 == 0 {
		b.logger.Warnf("Circuit breaker failure count %d/%d", failures, b.threshold)
	}
}

// FailureCount returns the current number of consecutive failures.
func (b *CircuitBreaker) FailureCount() uint64 {
	return b.consecutiveFailures.Load()
}
