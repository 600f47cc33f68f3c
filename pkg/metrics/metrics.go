// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics is the client's local Prometheus registry: request,
// error, cache and latency counters the Fetch Orchestrator updates on
// the hot path, and the Health Monitor samples off it.
package metrics

import (
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry wraps the counters and histograms the Orchestrator
// publishes to. It is safe for concurrent use; every
// metric type from client_golang is lock-free internally.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal   prometheus.Counter
	errorsByKind    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheEvictions  prometheus.Counter
	requestLatency  prometheus.Histogram
	decodeLatency   prometheus.Histogram
}

// New builds a Registry and registers every collector with a fresh,
// private prometheus.Registry (never the global DefaultRegisterer, so
// multiple Client instances in one process never collide).
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epics_archiver_client",
			Name:      "requests_total",
			Help:      "Total number of fetch_data requests the orchestrator has completed.",
		}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "epics_archiver_client",
			Name:      "errors_total",
			Help:      "Total number of requests that failed, labeled by archerr.Kind.",
		}, []string{"kind"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epics_archiver_client",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache lookups served without calling the producer.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epics_archiver_client",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache lookups that ran their producer.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "epics_archiver_client",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted to satisfy the memory ceiling.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "epics_archiver_client",
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of one orchestrated fetch_data call.",
			Buckets:   prometheus.DefBuckets,
		}),
		decodeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "epics_archiver_client",
			Name:      "decode_duration_seconds",
			Help:      "Latency of decoding one archiver response body.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	r.reg.MustRegister(
		r.requestsTotal, r.errorsByKind,
		r.cacheHits, r.cacheMisses, r.cacheEvictions,
		r.requestLatency, r.decodeLatency,
	)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor,
// without handing out a *prometheus.Registry callers could register
// arbitrary collectors onto.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveRequest records one completed orchestrated fetch: its
// duration and a request-count increment, plus an error-kind increment
// when err is non-nil.
func (r *Registry) ObserveRequest(d time.Duration, err error) {
	r.requestLatency.Observe(d.Seconds())
	r.requestsTotal.Inc()
	if err == nil {
		return
	}
	kind := "Unknown"
	if ae, ok := archerr.AsError(err); ok {
		kind = ae.Kind.String()
	}
	r.errorsByKind.WithLabelValues(kind).Inc()
}

// ObserveDecode records the time spent in the wire codec for one
// response body.
func (r *Registry) ObserveDecode(d time.Duration) {
	r.decodeLatency.Observe(d.Seconds())
}

// RecordCacheHit/RecordCacheMiss/RecordCacheEviction mirror the Cache
// Manager's own counters into the shared registry so the Health
// Monitor only has to sample one source of truth.
func (r *Registry) RecordCacheHit()      { r.cacheHits.Inc() }
func (r *Registry) RecordCacheMiss()     { r.cacheMisses.Inc() }
func (r *Registry) RecordCacheEviction() { r.cacheEvictions.Inc() }

// Snapshot is a point-in-time read of every counter the Health Monitor
// needs, gathered via the registry rather than kept as separate
// atomics.
type Snapshot struct {
	RequestsTotal  float64
	ErrorsTotal    float64
	CacheHits      float64
	CacheMisses    float64
	CacheEvictions float64
	P95LatencyMs   float64
	P99LatencyMs   float64
}

// Gather collects the current counter values. An error from the
// underlying Gather call yields a zero-value Snapshot rather than
// failing health sampling outright.
func (r *Registry) Gather() Snapshot {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}
	}

	var snap Snapshot
	for _, f := range families {
		switch f.GetName() {
		case "epics_archiver_client_requests_total":
			snap.RequestsTotal = sumCounters(f)
		case "epics_archiver_client_errors_total":
			snap.ErrorsTotal = sumCounters(f)
		case "epics_archiver_client_cache_hits_total":
			snap.CacheHits = sumCounters(f)
		case "epics_archiver_client_cache_misses_total":
			snap.CacheMisses = sumCounters(f)
		case "epics_archiver_client_cache_evictions_total":
			snap.CacheEvictions = sumCounters(f)
		case "epics_archiver_client_request_duration_seconds":
			snap.P95LatencyMs, snap.P99LatencyMs = quantilesMs(f)
		}
	}
	return snap
}

func sumCounters(f *dto.MetricFamily) float64 {
	var total float64
	for _, m := range f.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

// quantilesMs estimates p95/p99 in milliseconds from a histogram's
// cumulative bucket counts; client_golang histograms don't track exact
// quantiles, only bucket boundaries, so each estimate is a bucket upper
// bound (see interpolateBucket).
func quantilesMs(f *dto.MetricFamily) (p95, p99 float64) {
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		total := h.GetSampleCount()
		if total == 0 {
			continue
		}
		p95 = interpolateBucket(h, 0.95, total) * 1000
		p99 = interpolateBucket(h, 0.99, total) * 1000
	}
	return p95, p99
}

// interpolateBucket finds the first cumulative bucket whose count meets
// or exceeds rank*total and returns its upper bound as the quantile
// estimate. This is intentionally coarse: client_golang histograms
// store fixed bucket boundaries, not sample values.
func interpolateBucket(h *dto.Histogram, rank float64, total uint64) float64 {
	target := rank * float64(total)
	for _, b := range h.GetBucket() {
		if float64(b.GetCumulativeCount()) >= target {
			return b.GetUpperBound()
		}
	}
	return h.GetSampleSum() / float64(total)
}
