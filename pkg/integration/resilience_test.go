// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package integration

import (
	"context"

	"github.com/duelforge/matchcore/pkg/battle"
	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ = Describe("Engine resilience", func() {
	var ctx context.Context
	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("a store outage", func() {
		It("opens the circuit, skips ticks and recovers once the store returns", func() {
			mr, err := miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			defer mr.Close()
			pod := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, nil)
			defer pod.stop()

			// A healthy tick against the empty queue leaves the breaker alone.
			pod.tryMatch("duel")
			Expect(pod.breaker.FailureCount()).To(BeZero())

			mr.Close()
			pod.tryMatch("duel")
			Expect(pod.breaker.IsOpen()).To(BeTrue())
			Expect(pod.breaker.FailureCount()).To(Equal(uint64(breakerThreshold)))
			Expect(testutil.ToFloat64(pod.metrics.CircuitBreakerOpenTotal)).To(Equal(1.0))

			// An open circuit short-circuits the tick before any store call.
			pod.tryMatch("duel")
			Expect(pod.breaker.FailureCount()).To(Equal(uint64(breakerThreshold)))
			Expect(testutil.ToFloat64(pod.metrics.CircuitBreakerOpenTotal)).To(Equal(1.0))

			// Enqueues keep failing loudly while the store is gone.
			offline := pod.connect(uuid.New())
			offline.enqueue("duel")
			Eventually(offline.typed(protocol.TypeError)).Should(HaveLen(1))
			Expect(offline.sink.OfType(protocol.TypeError)[0].Code).To(Equal(protocol.ErrCodeInternalError))
			Eventually(offline.sink.Closed).Should(BeTrue())

			Expect(mr.Restart()).To(Succeed())
			Eventually(func() uint64 {
				pod.tryMatch("duel")
				return pod.breaker.FailureCount()
			}, "2s", "100ms").Should(BeZero())
			Expect(pod.breaker.IsOpen()).To(BeFalse())

			p1 := pod.connect(uuid.New())
			p2 := pod.connect(uuid.New())
			p1.enqueue("duel")
			Eventually(p1.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			p2.enqueue("duel")
			Eventually(p2.typed(protocol.TypeEnQueued)).Should(HaveLen(1))

			pod.tryMatch("duel")
			Eventually(p1.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			Eventually(p2.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			Expect(testutil.ToFloat64(pod.metrics.MatchesCreatedTotal.WithLabelValues("duel"))).To(Equal(1.0))
		})
	})

	Describe("a shutdown during a match tick", func() {
		It("re-enqueues every popped player before the tick returns", func() {
			mr, err := miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			defer mr.Close()

			gate := make(chan struct{})
			defer close(gate)
			started := make(chan struct{}, 4)
			blocking := func(mode string, p1, p2 battle.Participant) (battle.Result, error) {
				started <- struct{}{}
				<-gate
				return battle.Result{WinnerID: p1.ID}, nil
			}
			pod := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, blocking)
			defer pod.stop()

			players := make([]uuid.UUID, 4)
			scores := map[string]int64{}
			metas := map[string]string{}
			for i := range players {
				players[i] = uuid.New()
				score, meta := enqueueGhost(ctx, pod.store, "duel", players[i], "pod-a", 1200)
				scores[players[i].String()] = score
				metas[players[i].String()] = meta
			}
			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(4)))

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				pod.tryMatch("duel")
				close(done)
			}()

			// The first battle is in flight when the shutdown arrives.
			Eventually(started).Should(Receive())
			pod.cancel()

			Eventually(done, "3s").Should(BeClosed())
			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(4)))
			entries, err := pod.store.PopBatch(ctx, "duel", 8)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(4))
			for _, e := range entries {
				Expect(e.Score).To(Equal(scores[e.PlayerID]))
				Expect(e.Metadata).To(Equal(metas[e.PlayerID]))
			}

			Expect(testutil.ToFloat64(pod.metrics.PlayersRequeuedTotal.WithLabelValues("duel"))).To(Equal(4.0))
			Expect(testutil.ToFloat64(pod.metrics.SimulationFailuresTotal)).To(Equal(1.0))
			Expect(testutil.ToFloat64(pod.metrics.MatchesCreatedTotal.WithLabelValues("duel"))).To(BeZero())
			Expect(started).NotTo(Receive())
		})
	})
})
