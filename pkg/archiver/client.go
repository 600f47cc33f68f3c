// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archiver is the single entry point host shells construct and
// hold onto: a Client wires the Validator, Cache, Governor, Transport,
// Orchestrator, Metrics Registry and Health Monitor together behind the
// six inbound operations spec.md's external-interface section names,
// and owns their start/stop lifecycle. There is no package-level
// singleton; every call site is handed an explicit *Client built once
// by New and torn down once by Shutdown.
package archiver

import (
	"context"
	"fmt"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/internal/governor"
	"github.com/ClusterCockpit/epics-archiver-client/internal/orchestrator"
	"github.com/ClusterCockpit/epics-archiver-client/internal/transport"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/cache"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/config"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/health"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/log"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/metrics"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/validator"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// cacheSweepInterval is how often the idle-entry sweep job runs; kept
// well below the shortest TTL (raw, 5 minutes) so idle memory is
// reclaimed promptly without competing for the cache mutex constantly.
const cacheSweepInterval = 30 * time.Second

// healthCheckInterval is how often the Health Monitor resamples the
// metrics registry into a SystemStatus snapshot.
const healthCheckInterval = 15 * time.Second

// Client is the application's handle onto the archiver client: every
// collaborator in the Control Flow line of spec.md §2 plus the Health
// Monitor and Metrics Registry that observe it from the side. Built
// once by New, torn down once by Shutdown.
type Client struct {
	cfg          config.Config
	orchestrator *orchestrator.Orchestrator
	cache        *cache.Cache
	governor     *governor.Governor
	transport    *transport.Transport
	metrics      *metrics.Registry
	monitor      *health.Monitor
	scheduler    gocron.Scheduler
}

// New builds a Client from cfg: constructs every collaborator, starts
// the maintenance scheduler (cache sweep, health tick) and returns the
// ready-to-use handle. The returned error is an *archerr.Error of kind
// Initialization if the scheduler itself cannot be built.
func New(cfg config.Config) (*Client, error) {
	m := metrics.New()
	c := cache.New(cfg.CacheCeilingBytes)
	g := governor.New(cfg.Governor.ToGovernorConfig())
	t := transport.New(cfg.BaseURL)
	v := validator.WithLimits(cfg.Limits.ToValidatorLimits())
	o := orchestrator.New(v, c, g, t, m)

	monitor := health.NewMonitor(m, cfg.Thresholds.ToHealthThresholds(), func() uint64 {
		return c.Stats().Bytes
	})

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, archerr.New(archerr.Initialization, "archiver", "New", "building scheduler: "+err.Error())
	}

	cl := &Client{
		cfg:          cfg,
		orchestrator: o,
		cache:        c,
		governor:     g,
		transport:    t,
		metrics:      m,
		monitor:      monitor,
		scheduler:    sched,
	}

	if _, err := sched.NewJob(gocron.DurationJob(cacheSweepInterval), gocron.NewTask(cl.sweepCache)); err != nil {
		return nil, fmt.Errorf("archiver: registering cache sweep job: %w", err)
	}
	if _, err := sched.NewJob(gocron.DurationJob(healthCheckInterval), gocron.NewTask(cl.sampleHealth)); err != nil {
		return nil, fmt.Errorf("archiver: registering health-check job: %w", err)
	}
	sched.Start()

	return cl, nil
}

// Shutdown stops the maintenance scheduler. It does not close the
// idle connections of the Client's HTTP transport.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.scheduler.Shutdown()
}

func (c *Client) sweepCache() {
	n := c.cache.SweepExpired()
	if n > 0 {
		log.Debugf("archiver: cache sweep evicted %d expired entries", n)
	}
}

func (c *Client) sampleHealth() {
	status := c.monitor.Sample()
	if status.Status == pvdata.StatusUnhealthy {
		log.Warnf("archiver: health check sampled status=%s error_rate=%.3f cache_hit_rate=%.3f",
			status.Status, status.ErrorRate, status.CacheHitRate)
	}
}

// FetchData is fetch_data: given PVs, a half-open [from, to) range of Unix seconds
// and an optional Resolution (nil auto-selects one from the span per
// §4.6), returns the per-PV NormalizedSeries under the orchestrator's
// strict join policy — the first PV error fails the whole call.
func (c *Client) FetchData(ctx context.Context, pvs []pvdata.PVName, fromEpochS, toEpochS int64, res pvdata.Resolution) ([]pvdata.NormalizedSeries, error) {
	result, err := c.orchestrator.Fetch(ctx, pvs, pvdata.TimeRange{Start: fromEpochS, End: toEpochS}, res, false)
	if err != nil {
		return nil, err
	}
	out := make([]pvdata.NormalizedSeries, 0, len(pvs))
	for _, pv := range pvs {
		out = append(out, result.Series[pv])
	}
	return out, nil
}

// FetchDataLenient is the lenient counterpart to FetchData: it always
// returns whatever PVs succeeded alongside a per-PV error map, rather
// than failing the whole call on the first error.
func (c *Client) FetchDataLenient(ctx context.Context, pvs []pvdata.PVName, fromEpochS, toEpochS int64, res pvdata.Resolution) (orchestrator.Result, error) {
	return c.orchestrator.Fetch(ctx, pvs, pvdata.TimeRange{Start: fromEpochS, End: toEpochS}, res, true)
}

// GetPVMetadata is get_pv_metadata: fetches a single PV's latest Meta.
func (c *Client) GetPVMetadata(ctx context.Context, pv pvdata.PVName) (pvdata.Meta, error) {
	return c.orchestrator.GetPVMetadata(ctx, pv)
}

// GetPVStatus is get_pv_status: best-effort connectivity probe per PV,
// never propagating individual failures as a call error.
func (c *Client) GetPVStatus(ctx context.Context, pvs []pvdata.PVName) []pvdata.PVStatus {
	return c.orchestrator.GetPVStatus(ctx, pvs)
}

// TestConnection is test_connection: a bare connectivity probe against
// the archiver's version endpoint, unmediated by the cache.
func (c *Client) TestConnection(ctx context.Context) bool {
	return c.orchestrator.TestConnection(ctx)
}

// GetHealthStatus is get_health_status: the most recent Health Monitor
// sample (uptime, error rate, cache hit rate, p95/p99 latency, memory).
func (c *Client) GetHealthStatus() pvdata.HealthStatus {
	return c.monitor.Last()
}

// ListOperators is list_operators: the static resolution/operator
// catalogue, with no I/O.
func (c *Client) ListOperators() []pvdata.Operator {
	return pvdata.ListOperators()
}

// CacheStats exposes the Cache Manager's cumulative counters, mainly
// for a host shell's metrics/diagnostics surface.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// ClearCache drops every cached entry and the access-history queue.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// MetricsGatherer exposes the Metrics Registry's prometheus.Gatherer
// for a host's own /metrics endpoint (see cmd/archiver-probe).
func (c *Client) MetricsGatherer() prometheus.Gatherer {
	return c.metrics.Gatherer()
}
