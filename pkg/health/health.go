// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package health derives a coarse SystemStatus from the metrics
// registry on a schedule, without sitting on the hot path of any
// fetch.
package health

import (
	"sync"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/metrics"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
)

// Thresholds are the configurable limits that separate Healthy from
// Degraded from Unhealthy. Defaults mirror the original implementation.
// MaxAvgLatencyMs is compared against the sampled p95 request latency.
type Thresholds struct {
	MaxErrorRate    float64
	MaxAvgLatencyMs float64
	MaxMemoryBytes  uint64
	MinCacheHitRate float64
}

// DefaultThresholds is a 5% error rate, 1s p95 latency, 1GiB
// memory ceiling, 50% cache hit rate.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:    0.05,
		MaxAvgLatencyMs: 1000,
		MaxMemoryBytes:  1 << 30,
		MinCacheHitRate: 0.50,
	}
}

// MemoryBytesFunc reports current cache memory usage; supplied by the
// Client so this package never imports pkg/cache directly.
type MemoryBytesFunc func() uint64

// Monitor samples a metrics.Registry into a pvdata.HealthStatus. The
// Registry outlives the Monitor; the Monitor only ever holds a
// reference to it, never the reverse.
type Monitor struct {
	registry   *metrics.Registry
	thresholds Thresholds
	memoryFn   MemoryBytesFunc
	started    time.Time

	mu   sync.Mutex
	last pvdata.HealthStatus
}

// NewMonitor builds a Monitor sampling registry under thresholds.
// memoryFn may be nil, in which case memory is never considered when
// deriving status.
func NewMonitor(registry *metrics.Registry, thresholds Thresholds, memoryFn MemoryBytesFunc) *Monitor {
	return &Monitor{
		registry:   registry,
		thresholds: thresholds,
		memoryFn:   memoryFn,
		started:    time.Now(),
		last:       pvdata.HealthStatus{Status: pvdata.StatusInitializing},
	}
}

// Sample collects one HealthStatus snapshot, deriving SystemStatus from
// the configured thresholds, and remembers it as the last-known status.
func (m *Monitor) Sample() pvdata.HealthStatus {
	snap := m.registry.Gather()

	var memBytes uint64
	if m.memoryFn != nil {
		memBytes = m.memoryFn()
	}

	total := snap.RequestsTotal
	errorRate := 0.0
	if total > 0 {
		errorRate = snap.ErrorsTotal / total
	}

	cacheTotal := snap.CacheHits + snap.CacheMisses
	hitRate := 1.0
	if cacheTotal > 0 {
		hitRate = snap.CacheHits / cacheTotal
	}

	status := pvdata.StatusHealthy
	switch {
	case total == 0:
		status = pvdata.StatusInitializing
	case errorRate > m.thresholds.MaxErrorRate*2 ||
		snap.P95LatencyMs > m.thresholds.MaxAvgLatencyMs*2 ||
		(m.thresholds.MaxMemoryBytes > 0 && memBytes > m.thresholds.MaxMemoryBytes):
		status = pvdata.StatusUnhealthy
	case errorRate > m.thresholds.MaxErrorRate ||
		snap.P95LatencyMs > m.thresholds.MaxAvgLatencyMs ||
		hitRate < m.thresholds.MinCacheHitRate:
		status = pvdata.StatusDegraded
	}

	hs := pvdata.HealthStatus{
		Status:       status,
		Uptime:       time.Since(m.started),
		LastCheck:    time.Now(),
		ErrorRate:    errorRate,
		CacheHitRate: hitRate,
		P95LatencyMs: snap.P95LatencyMs,
		P99LatencyMs: snap.P99LatencyMs,
		MemoryBytes:  memBytes,
	}

	m.mu.Lock()
	m.last = hs
	m.mu.Unlock()

	return hs
}

// Last returns the most recent sample without re-gathering the
// registry, for callers (like a /healthz handler) that want a cheap
// read between scheduled ticks.
func (m *Monitor) Last() pvdata.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
