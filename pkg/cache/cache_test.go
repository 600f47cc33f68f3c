// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(n int) pvdata.NormalizedSeries {
	pts := make([]pvdata.Point, n)
	for i := range pts {
		pts[i] = pvdata.Point{TimestampMs: int64(i), Value: float64(i), Min: float64(i), Max: float64(i), Count: 1}
	}
	return pvdata.NormalizedSeries{Meta: pvdata.Meta{Name: "PV:A"}, Points: pts}
}

func TestGetOrFetchMissThenHit(t *testing.T) {
	c := New(10 << 20)
	key := pvdata.CacheKey{PV: "PV:A", Start: 0, End: 100, Resolution: "raw"}
	var calls int32

	producer := func() (pvdata.NormalizedSeries, error) {
		atomic.AddInt32(&calls, 1)
		return series(2), nil
	}

	s1, err := c.GetOrFetch(key, time.Minute, producer)
	require.NoError(t, err)
	assert.Len(t, s1.Points, 2)

	s2, err := c.GetOrFetch(key, time.Minute, producer)
	require.NoError(t, err)
	assert.Len(t, s2.Points, 2)
	assert.Equal(t, int32(1), calls)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	c := New(10 << 20)
	key := pvdata.CacheKey{PV: "PV:A", Start: 0, End: 100, Resolution: "raw"}
	var calls int32
	start := make(chan struct{})

	producer := func() (pvdata.NormalizedSeries, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return series(3), nil
	}

	var wg sync.WaitGroup
	results := make([]pvdata.NormalizedSeries, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s, err := c.GetOrFetch(key, time.Minute, producer)
			require.NoError(t, err)
			results[idx] = s
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	assert.Equal(t, results[0], results[1])
}

func TestGetOrFetchFailurePropagatesNotCached(t *testing.T) {
	c := New(10 << 20)
	key := pvdata.CacheKey{PV: "PV:A", Start: 0, End: 100, Resolution: "raw"}
	wantErr := errors.New("boom")

	_, err := c.GetOrFetch(key, time.Minute, func() (pvdata.NormalizedSeries, error) {
		return pvdata.NormalizedSeries{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
}

func TestGetOrFetchConcurrentFailurePropagatesToAllWaiters(t *testing.T) {
	c := New(10 << 20)
	key := pvdata.CacheKey{PV: "PV:A", Start: 0, End: 100, Resolution: "raw"}
	wantErr := errors.New("boom")
	var calls int32
	start := make(chan struct{})

	producer := func() (pvdata.NormalizedSeries, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return pvdata.NormalizedSeries{}, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := c.GetOrFetch(key, time.Minute, producer)
			errs[idx] = err
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for _, e := range errs {
		assert.ErrorIs(t, e, wantErr)
	}
}

func TestGetOrFetchEvictsUnderMemoryCeiling(t *testing.T) {
	c := New(10 * pointByteCost) // room for ~10 points total

	_, err := c.GetOrFetch(pvdata.CacheKey{PV: "A", Resolution: "raw"}, time.Minute, func() (pvdata.NormalizedSeries, error) {
		return series(7), nil
	})
	require.NoError(t, err)

	_, err = c.GetOrFetch(pvdata.CacheKey{PV: "B", Resolution: "raw"}, time.Minute, func() (pvdata.NormalizedSeries, error) {
		return series(5), nil
	})
	require.NoError(t, err)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Bytes, uint64(10*pointByteCost))
	assert.GreaterOrEqual(t, stats.Evictions, uint64(1))
}

func TestGetOrFetchExpiredEntryRefetches(t *testing.T) {
	c := New(10 << 20)
	key := pvdata.CacheKey{PV: "PV:A", Resolution: "raw"}
	var calls int32

	producer := func() (pvdata.NormalizedSeries, error) {
		atomic.AddInt32(&calls, 1)
		return series(1), nil
	}

	_, err := c.GetOrFetch(key, time.Millisecond, producer)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = c.GetOrFetch(key, time.Minute, producer)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
}

func TestClearDropsEverything(t *testing.T) {
	c := New(10 << 20)
	_, err := c.GetOrFetch(pvdata.CacheKey{PV: "A", Resolution: "raw"}, time.Minute, func() (pvdata.NormalizedSeries, error) {
		return series(1), nil
	})
	require.NoError(t, err)

	c.Clear()
	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, uint64(0), stats.Bytes)
}

func TestSweepExpiredReclaimsIdleEntries(t *testing.T) {
	c := New(10 << 20)
	_, err := c.GetOrFetch(pvdata.CacheKey{PV: "A", Resolution: "raw"}, time.Millisecond, func() (pvdata.NormalizedSeries, error) {
		return series(1), nil
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	dropped := c.SweepExpired()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestTTLForResolution(t *testing.T) {
	assert.Equal(t, 5*time.Minute, TTLFor(pvdata.Raw()))
	assert.Equal(t, 15*time.Minute, TTLFor(pvdata.Optimized(720)))
	assert.Equal(t, 15*time.Minute, TTLFor(pvdata.Binned(pvdata.OpMean, 30)))
	assert.Equal(t, time.Hour, TTLFor(pvdata.Binned(pvdata.OpMean, 600)))
	assert.Equal(t, 4*time.Hour, TTLFor(pvdata.Binned(pvdata.OpMean, 7200)))
}

func TestHitRateNoTraffic(t *testing.T) {
	var s Stats
	assert.Equal(t, float64(1), s.HitRate())
}
