// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache is a memory-accounted, single-flight LRU for decoded
// PV series. At most one producer runs per CacheKey at any time;
// concurrent callers for the same key await that producer's result
// instead of issuing their own fetch.
package cache

import (
	"sync"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
)

// pointByteCost is the fixed per-point accounting unit used to compute
// an entry's size_bytes: six float64/int64 fields plus two int32s.
const pointByteCost = 56

// maxHistory bounds the access-history queue that records the most
// recent touches, per the original implementation's bounded VecDeque.
// Eviction order does not read it: it comes from the entry list, which
// every hit moves to the front.
const maxHistory = 1000

// Producer computes the series for a cache miss. It must not call back
// into the same Cache; doing so would deadlock.
type Producer func() (pvdata.NormalizedSeries, error)

// Stats is the cumulative counter snapshot returned by Cache.Stats.
type Stats struct {
	Entries   int
	Bytes     uint64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key pvdata.CacheKey

	series     pvdata.NormalizedSeries
	sizeBytes  uint64
	ttl        time.Duration
	createdAt  time.Time
	lastAccess time.Time
	accessCount uint64

	// computing is true from the moment a producer is registered until
	// it resolves; waiters block on cond while it holds.
	computing bool
	waiting   int
	err       error

	next, prev *entry
}

// Cache is a two-level-keyed (by CacheKey, which already encodes PV,
// range and resolution) single-flight LRU. Meta travels with its
// series inside NormalizedSeries, so one map serves both the spec's
// "data" and "meta" tables without duplicating the keying logic.
type Cache struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ceiling uint64
	used    uint64

	entries    map[pvdata.CacheKey]*entry
	head, tail *entry
	history    []pvdata.CacheKey

	stats Stats
}

// New returns a Cache enforcing a strict post-eviction memory ceiling
// of ceilingBytes.
func New(ceilingBytes uint64) *Cache {
	c := &Cache{
		ceiling: ceilingBytes,
		entries: map[pvdata.CacheKey]*entry{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// TTLFor maps a Resolution to its cache lifetime, per the fixed
// TTL-by-resolution table.
func TTLFor(res pvdata.Resolution) time.Duration {
	switch res.TTL() {
	case pvdata.TTLRaw:
		return 5 * time.Minute
	case pvdata.TTLOptimized:
		return 15 * time.Minute
	case pvdata.TTLBinnedShort:
		return 15 * time.Minute
	case pvdata.TTLBinnedMedium:
		return time.Hour
	default: // TTLBinnedLong
		return 4 * time.Hour
	}
}

func sizeOf(series pvdata.NormalizedSeries) uint64 {
	return uint64(len(series.Points)) * pointByteCost
}

// GetOrFetch returns the resident, unexpired entry for key if one
// exists; otherwise it either joins an in-progress producer for key or
// runs producer itself, storing the result (success only). Failures
// propagate to every waiter but leave no entry behind.
func (c *Cache) GetOrFetch(key pvdata.CacheKey, ttl time.Duration, producer Producer) (pvdata.NormalizedSeries, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		for e.computing {
			e.waiting++
			c.cond.Wait()
			e.waiting--
		}
		if e.err != nil {
			// The producer this goroutine was waiting on failed; every
			// waiter sees that same error, and nothing was cached.
			c.mu.Unlock()
			return pvdata.NormalizedSeries{}, e.err
		}
		if current, stillSame := c.entries[key]; stillSame && current == e {
			if now.Sub(e.lastAccess) <= e.ttl {
				e.lastAccess = now
				e.accessCount++
				c.touchHistory(key)
				if e != c.head {
					c.unlink(e)
					c.insertFront(e)
				}
				c.stats.Hits++
				series := e.series
				c.mu.Unlock()
				return series, nil
			}
			c.evict(e)
		}
	}

	e := &entry{key: key, computing: true, createdAt: now, lastAccess: now}
	c.entries[key] = e
	c.stats.Misses++
	c.mu.Unlock()

	series, err := producer()

	c.mu.Lock()
	e.computing = false
	// A Clear while the producer ran replaces the map; e is then no
	// longer registered and its result is not stored.
	current, ok := c.entries[key]
	registered := ok && current == e
	if err != nil {
		e.err = err
		if registered {
			delete(c.entries, key)
		}
		if e.waiting > 0 {
			c.cond.Broadcast()
		}
		c.mu.Unlock()
		return pvdata.NormalizedSeries{}, err
	}

	e.series = series
	if registered {
		e.sizeBytes = sizeOf(series)
		e.ttl = ttl
		e.lastAccess = now
		e.accessCount = 1
		c.used += e.sizeBytes
		c.insertFront(e)
		c.touchHistory(key)
	}
	if e.waiting > 0 {
		c.cond.Broadcast()
	}

	c.evictToCeiling()
	c.mu.Unlock()

	return series, nil
}

// evictToCeiling drops LRU-tail entries, skipping any still being
// computed, until the memory ceiling invariant holds. Caller holds mu.
func (c *Cache) evictToCeiling() {
	candidate := c.tail
	for c.used > c.ceiling && candidate != nil {
		prev := candidate.prev
		if !candidate.computing {
			c.evict(candidate)
		}
		candidate = prev
	}
}

// evict unlinks and removes e. Caller holds mu.
func (c *Cache) evict(e *entry) {
	c.unlink(e)
	c.used -= e.sizeBytes
	delete(c.entries, e.key)
	c.stats.Evictions++
}

func (c *Cache) insertFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.next, e.prev = nil, nil
}

// touchHistory records one access, keeping the history bounded to the
// last maxHistory touches. Caller holds mu.
func (c *Cache) touchHistory(key pvdata.CacheKey) {
	c.history = append(c.history, key)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
}

// Clear drops every entry, the history and used-memory accounting
// atomically. In-flight producers are left to complete but their
// results will not be stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[pvdata.CacheKey]*entry{}
	c.head, c.tail = nil, nil
	c.history = nil
	c.used = 0
}

// Stats returns a snapshot of cumulative counters and current
// residency.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.used
	return s
}

// HitRate reports the fraction of lookups that were served from cache,
// or 1 when there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

// SweepExpired proactively drops entries whose sliding window has
// already elapsed, so idle memory is reclaimed between fetches instead
// of only at the next insert. Additive to, never a replacement for,
// the strict on-insert accounting in GetOrFetch.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	dropped := 0
	e := c.tail
	for e != nil {
		prev := e.prev
		if !e.computing && now.Sub(e.lastAccess) > e.ttl {
			c.evict(e)
			dropped++
		}
		e = prev
	}
	return dropped
}
