// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package integration

import (
	"context"
	"time"

	"github.com/duelforge/matchcore/pkg/protocol"
	"github.com/duelforge/matchcore/pkg/store"
	"github.com/duelforge/matchcore/pkg/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var _ = Describe("Match flow", func() {
	var (
		ctx context.Context
		mr  *miniredis.Miniredis
	)
	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
	})
	AfterEach(func() {
		mr.Close()
	})

	Context("when two players on the same pod queue for the same mode", func() {
		It("forms the match locally and routes nothing over pub/sub", func() {
			p1ID := uuid.New()
			pod := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, fixedWinner(p1ID, `{"rounds":3,"duration_s":187}`))
			defer pod.stop()
			p1 := pod.connect(p1ID)
			p2 := pod.connect(uuid.New())

			p1.enqueue("duel")
			Eventually(p1.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			Eventually(p1.session.State).Should(Equal(types.InQueue))
			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(1)))

			p2.enqueue("duel")
			Eventually(p2.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(2)))

			pod.tryMatch("duel")

			Eventually(p1.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			Eventually(p2.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			m1 := p1.sink.OfType(protocol.TypeMatchFound)[0]
			m2 := p2.sink.OfType(protocol.TypeMatchFound)[0]
			Expect(m1.WinnerID).To(Equal(p1ID.String()))
			Expect(m2.WinnerID).To(Equal(p1ID.String()))
			Expect(m1.OpponentID).To(Equal(p2.id.String()))
			Expect(m2.OpponentID).To(Equal(p1.id.String()))
			Expect(m1.BattleData).To(MatchJSON(`{"rounds":3,"duration_s":187}`))
			Expect(m2.BattleData).To(MatchJSON(`{"rounds":3,"duration_s":187}`))

			Expect(pod.queueSize(ctx, "duel")).To(BeZero())
			Expect(pod.metadataExists(ctx, p1.id)).To(BeFalse())
			Expect(pod.metadataExists(ctx, p2.id)).To(BeFalse())

			Expect(testutil.ToFloat64(pod.metrics.MatchesCreatedTotal.WithLabelValues("duel"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(pod.metrics.MatchesSamePodTotal)).To(Equal(1.0))
			// Two enqueue acks plus two match results, all local.
			Expect(testutil.ToFloat64(pod.metrics.MessagesRoutedSamePodTotal)).To(Equal(4.0))
			Expect(testutil.ToFloat64(pod.metrics.MessagesRoutedCrossPodTotal)).To(BeZero())

			// Delivered results end both sessions.
			Eventually(p1.sink.Closed).Should(BeTrue())
			Eventually(p2.sink.Closed).Should(BeTrue())
		})
	})

	Context("when the matched players live on different pods", func() {
		It("delivers the result through the opponent pod's channel", func() {
			p1ID := uuid.New()
			podA := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, fixedWinner(p1ID, `{"rounds":1}`))
			defer podA.stop()
			podB := newTestPod("pod-b", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, nil)
			defer podB.stop()

			podB.startSubscriber()
			Eventually(func() int64 {
				return subscriberCount(ctx, podA.rdb, store.GameMessageChannel("pod-b"))
			}).Should(Equal(int64(1)))

			p1 := podA.connect(p1ID)
			p2 := podB.connect(uuid.New())
			p1.enqueue("duel")
			Eventually(p1.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			p2.enqueue("duel")
			Eventually(p2.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			Expect(podA.queueSize(ctx, "duel")).To(Equal(int64(2)))

			podA.tryMatch("duel")

			Eventually(p1.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			Eventually(p2.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			m1 := p1.sink.OfType(protocol.TypeMatchFound)[0]
			m2 := p2.sink.OfType(protocol.TypeMatchFound)[0]
			Expect(m1.WinnerID).To(Equal(p1ID.String()))
			Expect(m2.WinnerID).To(Equal(p1ID.String()))
			Expect(m1.OpponentID).To(Equal(p2.id.String()))
			Expect(m2.OpponentID).To(Equal(p1.id.String()))

			Expect(podA.queueSize(ctx, "duel")).To(BeZero())
			Expect(testutil.ToFloat64(podA.metrics.MatchesCrossPodTotal)).To(Equal(1.0))
			Expect(testutil.ToFloat64(podA.metrics.MessagesRoutedCrossPodTotal)).To(Equal(1.0))
			// P1's enqueue ack and match result stayed on pod-a.
			Expect(testutil.ToFloat64(podA.metrics.MessagesRoutedSamePodTotal)).To(Equal(2.0))
			Expect(testutil.ToFloat64(podA.metrics.PodUnreachableTotal.WithLabelValues("pod-b"))).To(BeZero())

			Eventually(p1.sink.Closed).Should(BeTrue())
			Eventually(p2.sink.Closed).Should(BeTrue())
		})
	})

	Context("when the opponent's pod has no subscriber", func() {
		It("re-enqueues both players with their original entries", func() {
			pod := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, nil)
			defer pod.stop()
			p1ID := uuid.New()
			p2ID := uuid.New()
			score1, meta1 := enqueueGhost(ctx, pod.store, "duel", p1ID, "pod-a", 1200)
			score2, meta2 := enqueueGhost(ctx, pod.store, "duel", p2ID, "pod-b", 1200)

			pod.tryMatch("duel")

			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(2)))
			entries, err := pod.store.PopBatch(ctx, "duel", 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			byID := map[string]store.QueueEntry{}
			for _, e := range entries {
				byID[e.PlayerID] = e
			}
			Expect(byID[p1ID.String()].Score).To(Equal(score1))
			Expect(byID[p1ID.String()].Metadata).To(Equal(meta1))
			Expect(byID[p2ID.String()].Score).To(Equal(score2))
			Expect(byID[p2ID.String()].Metadata).To(Equal(meta2))

			Expect(testutil.ToFloat64(pod.metrics.PodUnreachableTotal.WithLabelValues("pod-b"))).To(Equal(1.0))
			Expect(pod.monitor.IsDown("pod-b")).To(BeFalse())
			Expect(testutil.ToFloat64(pod.metrics.MatchesCreatedTotal.WithLabelValues("duel"))).To(BeZero())
			Expect(testutil.ToFloat64(pod.metrics.MessagesRoutedCrossPodTotal)).To(BeZero())
			Expect(testutil.ToFloat64(pod.metrics.PlayersRequeuedTotal.WithLabelValues("duel"))).To(Equal(2.0))
		})
	})

	Context("when a queue entry carries metadata without an owning pod", func() {
		It("drops the poisoned candidate and pairs the remaining players", func() {
			pod := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, nil)
			defer pod.stop()
			p1 := pod.connect(uuid.New())
			p3 := pod.connect(uuid.New())
			poisonedID := uuid.New()

			p1.enqueue("duel")
			Eventually(p1.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			added, _, err := pod.store.Enqueue(ctx, "duel", poisonedID.String(), time.Now().UnixMilli(), `{"mmr":1200,"level":8}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())
			p3.enqueue("duel")
			Eventually(p3.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(3)))

			pod.tryMatch("duel")

			Eventually(p1.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			Eventually(p3.typed(protocol.TypeMatchFound)).Should(HaveLen(1))
			Expect(p1.sink.OfType(protocol.TypeMatchFound)[0].OpponentID).To(Equal(p3.id.String()))
			Expect(p3.sink.OfType(protocol.TypeMatchFound)[0].OpponentID).To(Equal(p1.id.String()))

			Expect(testutil.ToFloat64(pod.metrics.PoisonedCandidatesTotal)).To(Equal(1.0))
			Expect(pod.queueSize(ctx, "duel")).To(BeZero())
			Expect(pod.metadataExists(ctx, poisonedID)).To(BeFalse())
			Expect(testutil.ToFloat64(pod.metrics.MessagesRoutedCrossPodTotal)).To(BeZero())
		})
	})

	Context("when the same player enqueues twice in quick succession", func() {
		It("admits exactly one entry and rejects the duplicate", func() {
			pod := newTestPod("pod-a", mr.Addr(), []types.GameModeTypedConfig{normalMode("duel")}, nil)
			defer pod.stop()
			p1 := pod.connect(uuid.New())

			p1.enqueue("duel")
			p1.enqueue("duel")

			Eventually(p1.typed(protocol.TypeEnQueued)).Should(HaveLen(1))
			Eventually(p1.typed(protocol.TypeError)).Should(HaveLen(1))
			Expect(p1.sink.OfType(protocol.TypeError)[0].Code).To(Equal(protocol.ErrCodeAlreadyInQueue))
			Consistently(p1.typed(protocol.TypeEnQueued)).Should(HaveLen(1))

			Expect(pod.queueSize(ctx, "duel")).To(Equal(int64(1)))
			Expect(pod.metadataExists(ctx, p1.id)).To(BeTrue())
			Expect(testutil.ToFloat64(pod.metrics.AbnormalDuplicateEnqueueTotal)).To(Equal(1.0))
			Eventually(p1.session.State).Should(Equal(types.InQueue))
		})
	})
})
