// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pvdata defines the data model shared by every layer of the
// archiver client: PV names, time ranges, server-side reduction
// resolutions, decoded points and the normalized per-PV series that the
// orchestrator ultimately hands back to callers.
package pvdata

import (
	"fmt"
	"time"
)

// PVName is an opaque archiver process-variable identifier.
type PVName string

// TimeRange is the half-open interval [Start, End) of whole seconds since
// the Unix epoch over which a PV is queried.
type TimeRange struct {
	Start int64
	End   int64
}

// Duration returns the span of the range in seconds.
func (r TimeRange) Duration() int64 {
	return r.End - r.Start
}

// Point is one decoded or binned sample. For raw samples Min == Max ==
// Value, StdDev == 0 and Count == 1; for binned samples the reduced
// fields are populated by the server.
type Point struct {
	TimestampMs int64
	Value       float64
	Min         float64
	Max         float64
	StdDev      float64
	Count       int64
	Severity    int32
	Status      int32
}

// Valid reports whether the point satisfies the invariant min <= value <=
// max whenever count >= 1.
func (p Point) Valid() bool {
	if p.Count < 1 {
		return true
	}
	return p.Min <= p.Value && p.Value <= p.Max
}

// Meta carries the archiver's per-PV metadata record. Fields are pointers
// so that "not present in this stream" is distinguishable from "present
// and empty".
type Meta struct {
	Name           string
	Units          string
	DisplayLow     *string
	DisplayHigh    *string
	AlarmLow       *string
	AlarmHigh      *string
	AlarmLoLo      *string
	AlarmHiHi      *string
	Precision      *string
	Description    *string
	SamplingPeriod *string
	SamplingMethod *string
	NumElements    *string
	UnknownHeaders map[string]string
}

// NormalizedSeries is one PV's decoded, deduplicated, strictly
// timestamp-ordered sample sequence.
type NormalizedSeries struct {
	Meta   Meta
	Points []Point
}

// CacheKey fingerprints one (pv, range, resolution) query. Equality and
// hashing are structural, so it can be used directly as a map key.
type CacheKey struct {
	PV         PVName
	Start      int64
	End        int64
	Resolution string
}

// String renders the key in the same "pv:start:end:resolution" shape the
// original implementation used for its cache fingerprints.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%s", k.PV, k.Start, k.End, k.Resolution)
}

// PVStatus reports per-PV connectivity as surfaced by get_pv_status.
type PVStatus struct {
	Name          PVName
	Connected     bool
	LastEventTime *int64
	LastStatus    *string
	Archived      bool
}

// Operator describes one entry in the static resolution-operator
// catalogue returned by ListOperators.
type Operator struct {
	Name          string
	Description   string
	RequiresParam bool
	Params        []string
}

// HealthStatus is the snapshot returned by get_health_status.
type HealthStatus struct {
	Status       SystemStatus
	Uptime       time.Duration
	LastCheck    time.Time
	ErrorRate    float64
	CacheHitRate float64
	P95LatencyMs float64
	P99LatencyMs float64
	MemoryBytes  uint64
}

// SystemStatus is the coarse health verdict derived by the Health
// Monitor from the metrics registry.
type SystemStatus int

const (
	StatusInitializing SystemStatus = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
)

func (s SystemStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "initializing"
	}
}
