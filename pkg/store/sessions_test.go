// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("Loading sessions", func() {
	var (
		mr     *miniredis.Miniredis
		client *Client
		ctx    = context.TODO()
		logger = zap.NewNop().Sugar()
	)

	newDoc := func(id string, createdMs int64) SessionDoc {
		return SessionDoc{
			SessionID:  id,
			Mode:       "Normal",
			CreatedMs:  createdMs,
			DeadlineMs: createdMs + 5000,
			Players: []SessionPlayer{
				{PlayerID: "p1", PodID: "podA", Score: 100, Metadata: `{"pod_id":"podA"}`},
				{PlayerID: "p2", PodID: "podB", Score: 110, Metadata: `{"pod_id":"podB"}`},
			},
		}
	}

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		client = NewClientWithRedis(rdb, 5*time.Second, logger)
	})
	AfterEach(func() {
		mr.Close()
	})

	It("round-trips a session document", func() {
		Expect(client.CreateSession(ctx, newDoc("s1", 1000))).To(Succeed())
		doc, found, err := client.GetSession(ctx, "s1")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(doc.Mode).To(Equal("Normal"))
		Expect(doc.DeadlineMs).To(Equal(int64(6000)))
		Expect(doc.Players).To(HaveLen(2))
		Expect(doc.Players[0].Ready).To(BeFalse())
	})

	It("reports a missing session", func() {
		_, found, err := client.GetSession(ctx, "nope")
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
	})

	Context("when participants report readiness", func() {
		BeforeEach(func() {
			Expect(client.CreateSession(ctx, newDoc("s1", 1000))).To(Succeed())
		})
		It("counts ready players until all confirmed", func() {
			ready, required, err := client.ReadySession(ctx, "s1", "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(Equal(int64(1)))
			Expect(required).To(Equal(int64(2)))

			ready, required, err = client.ReadySession(ctx, "s1", "p2")
			Expect(err).NotTo(HaveOccurred())
			Expect(ready).To(Equal(int64(2)))
			Expect(required).To(Equal(int64(2)))
		})
		It("rejects a player that is not part of the session", func() {
			_, _, err := client.ReadySession(ctx, "s1", "intruder")
			Expect(err).To(MatchError(ErrNotInSession))
		})
		It("reports a vanished session", func() {
			_, _, err := client.ReadySession(ctx, "gone", "p1")
			Expect(err).To(MatchError(ErrSessionGone))
		})
	})

	Context("when a confirmed session is claimed", func() {
		BeforeEach(func() {
			Expect(client.CreateSession(ctx, newDoc("s1", 1000))).To(Succeed())
		})
		It("refuses the claim while a participant is still loading", func() {
			_, _, err := client.ReadySession(ctx, "s1", "p1")
			Expect(err).NotTo(HaveOccurred())

			_, ok, err := client.ClaimSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			_, found, err := client.GetSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
		})
		It("hands the document to exactly one caller once all confirmed", func() {
			_, _, err := client.ReadySession(ctx, "s1", "p1")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = client.ReadySession(ctx, "s1", "p2")
			Expect(err).NotTo(HaveOccurred())

			doc, ok, err := client.ClaimSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(doc.Players).To(HaveLen(2))
			Expect(doc.Players[0].Ready).To(BeTrue())

			_, ok, err = client.ClaimSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
		It("refuses to claim a missing session", func() {
			_, ok, err := client.ClaimSession(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("when a session is cancelled", func() {
		BeforeEach(func() {
			Expect(client.CreateSession(ctx, newDoc("s1", 1000))).To(Succeed())
		})
		It("requeues the remaining players but not the canceller", func() {
			requeued, err := client.CancelSession(ctx, "s1", "p1", 5000)
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued).To(Equal([]RequeuedPlayer{{PlayerID: "p2", PodID: "podB"}}))

			size, err := client.QueueSize(ctx, "Normal")
			Expect(err).NotTo(HaveOccurred())
			Expect(size).To(Equal(int64(1)))

			score, err := client.rdb.ZScore(ctx, QueueKey("Normal"), "p2").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(int64(score)).To(Equal(int64(5000)))

			metadata, err := client.rdb.Get(ctx, MetadataKey("p2")).Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(metadata).To(Equal(`{"pod_id":"podB"}`))

			_, found, err := client.GetSession(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
		It("treats cancelling an absent session as a no-op", func() {
			requeued, err := client.CancelSession(ctx, "missing", "p1", 5000)
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued).To(BeEmpty())
		})
	})

	Context("when the sweeper runs", func() {
		It("cancels only the sessions past their deadline", func() {
			Expect(client.CreateSession(ctx, newDoc("old1", 1000))).To(Succeed())
			stale := SessionDoc{
				SessionID:  "old2",
				Mode:       "Ranked",
				CreatedMs:  1500,
				DeadlineMs: 6500,
				Players: []SessionPlayer{
					{PlayerID: "p3", PodID: "podA", Score: 900, Metadata: `{"pod_id":"podA"}`},
					{PlayerID: "p4", PodID: "podA", Score: 905, Metadata: `{"pod_id":"podA"}`},
				},
			}
			Expect(client.CreateSession(ctx, stale)).To(Succeed())
			Expect(client.CreateSession(ctx, newDoc("fresh", 9000))).To(Succeed())

			requeued, err := client.SweepSessions(ctx, 7000)
			Expect(err).NotTo(HaveOccurred())
			Expect(requeued).To(ConsistOf(
				RequeuedPlayer{PlayerID: "p1", PodID: "podA"},
				RequeuedPlayer{PlayerID: "p2", PodID: "podB"},
				RequeuedPlayer{PlayerID: "p3", PodID: "podA"},
				RequeuedPlayer{PlayerID: "p4", PodID: "podA"},
			))

			normalSize, err := client.QueueSize(ctx, "Normal")
			Expect(err).NotTo(HaveOccurred())
			Expect(normalSize).To(Equal(int64(2)))
			rankedSize, err := client.QueueSize(ctx, "Ranked")
			Expect(err).NotTo(HaveOccurred())
			Expect(rankedSize).To(Equal(int64(2)))

			score, err := client.rdb.ZScore(ctx, QueueKey("Normal"), "p1").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(int64(score)).To(Equal(int64(7000)))

			_, found, err := client.GetSession(ctx, "fresh")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			_, found, err = client.GetSession(ctx, "old1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})
})
