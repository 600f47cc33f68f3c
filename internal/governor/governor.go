// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package governor admits outbound archiver requests through a token
// bucket and a concurrency semaphore, then retries transient failures
// on an exponential backoff schedule, honoring any server-supplied
// Retry-After as an override of the computed delay.
package governor

import (
	"context"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config tunes the token bucket, concurrency cap and retry schedule.
type Config struct {
	RateLimit      rate.Limit
	Burst          int
	MaxConcurrency int64
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

// DefaultConfig matches the fixed schedule: 100 req/s, burst 20, 10
// concurrent in-flight requests, 3 attempts, 100ms..30s exponential
// backoff.
func DefaultConfig() Config {
	return Config{
		RateLimit:      100,
		Burst:          20,
		MaxConcurrency: 10,
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       30 * time.Second,
	}
}

// Governor is the single admission point every outbound archiver
// request passes through.
type Governor struct {
	cfg     Config
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// New builds a Governor from cfg.
func New(cfg Config) *Governor {
	return &Governor{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrency),
	}
}

// Do admits op through the token bucket and concurrency semaphore, then
// retries it on retryable *archerr.Error failures per the configured
// schedule. It never retries a non-retryable error, and it returns the
// last error encountered once attempts are exhausted.
func (g *Governor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    g.cfg.BaseDelay,
		Max:    g.cfg.MaxDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return archerr.Wrap(err, "governor", "Do")
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return archerr.Wrap(err, "governor", "Do")
		}

		err := op(ctx)
		g.sem.Release(1)

		if err == nil {
			return nil
		}

		ae, ok := archerr.AsError(err)
		if !ok {
			ae = archerr.Wrap(err, "governor", "Do")
		}
		// Every attempt before this one was a retry of the same request.
		ae.RetryCount = attempt - 1
		lastErr = ae

		if !ae.Retryable() || attempt == g.cfg.MaxAttempts {
			return ae
		}

		delay := b.Duration()
		if ae.RetryAfter > 0 {
			delay = ae.RetryAfter
		}

		select {
		case <-ctx.Done():
			return archerr.Wrap(ctx.Err(), "governor", "Do")
		case <-time.After(delay):
		}
	}
	return lastErr
}
