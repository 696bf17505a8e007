// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package router

import (
	"sync"

	"github.com/duelforge/matchcore/pkg/metrics"
	"go.uber.org/zap"
)

// NewPodMonitor returns a monitor that declares a pod down after threshold
// consecutive publishes without subscribers.
func NewPodMonitor(threshold int, m *metrics.Metrics, logger *zap.SugaredLogger) *PodMonitor {
	return &PodMonitor{
		threshold: threshold,
		misses:    map[string]int{},
		down:      map[string]bool{},
		metrics:   m,
		logger:    logger,
	}
}

// PodMonitor derives pod availability from the subscriber counts observed on
// cross-pod publishes.
type PodMonitor struct {
	mux       sync.Mutex
	threshold int
	misses    map[string]int
	down      map[string]bool
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

// RecordDelivery feeds one publish outcome into the monitor. A non-zero
// subscriber count resets the miss counter and marks a previously down pod
// as recovered.
func (p *PodMonitor) RecordDelivery(pod string, subscribers int64) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if subscribers > 0 {
		if p.down[pod] {
			delete(p.down, pod)
			p.logger.Infof("Pod %s is reachable again", pod)
		}
		p.misses[pod] = 0
		p.metrics.PodAvailable.WithLabelValues(pod).Set(1)
		return
	}
	p.metrics.PodUnreachableTotal.WithLabelValues(pod).Inc()
	p.misses[pod]++
	if p.misses[pod] >= p.threshold && !p.down[pod] {
		p.down[pod] = true
		p.metrics.PodAvailable.WithLabelValues(pod).Set(0)
		p.logger.Errorf("Pod %s considered down after %d publishes without subscribers", pod, p.misses[pod])
	}
}

// IsDown reports whether the monitor currently considers pod unreachable.
func (p *PodMonitor) IsDown(pod string) bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.down[pod]
}
