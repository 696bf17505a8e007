//
// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
//
package coordinator

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// NewRateLimiter returns a limiter granting rps requests per second and the
// given burst to each player. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: map[uuid.UUID]*rate.Limiter{},
	}
}

// RateLimiter keeps one token bucket per player.
type RateLimiter struct {
	mux      sync.Mutex
	rps      rate.Limit
	burst    int
	limiters map[uuid.UUID]*rate.Limiter
}

// Allow reports whether the player may issue another request now.
func (r *RateLimiter) Allow(playerID uuid.UUID) bool {
	if r.rps <= 0 {
		return true
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	lim, ok := r.limiters[playerID]
	if !ok {
		lim = rate.NewLimiter(r.rps, r.burst)
		r.limiters[playerID] = lim
	}
	return lim.Allow()
}

// Forget drops the player's bucket. Sessions call it on teardown so the map
// does not accumulate every player ever seen.
func (r *RateLimiter) Forget(playerID uuid.UUID) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.limiters, playerID)
}
