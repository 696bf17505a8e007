// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package metrics

import (
	"net/http/httptest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Metrics", func() {

	It("registers all collectors on a fresh registry", func() {
		m := NewMetrics(prometheus.NewRegistry())
		m.MatchesCreatedTotal.WithLabelValues("Normal").Inc()
		m.PlayersInQueue.WithLabelValues("Normal").Set(3)
		m.PoisonedCandidatesTotal.Inc()

		Expect(testutil.ToFloat64(m.MatchesCreatedTotal.WithLabelValues("Normal"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.PlayersInQueue.WithLabelValues("Normal"))).To(Equal(3.0))
		Expect(testutil.ToFloat64(m.PoisonedCandidatesTotal)).To(Equal(1.0))
	})

	It("serves the text exposition format", func() {
		m := NewMetrics(prometheus.NewRegistry())
		m.MatchesSamePodTotal.Inc()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/metrics", nil)
		m.Handler().ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(200))
		Expect(rec.Body.String()).To(ContainSubstring("matches_same_pod_total 1"))
	})
})
