// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package health

import (
	"testing"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/metrics"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"github.com/stretchr/testify/assert"
)

func TestSampleInitializingBeforeAnyTraffic(t *testing.T) {
	m := NewMonitor(metrics.New(), DefaultThresholds(), nil)
	hs := m.Sample()
	assert.Equal(t, pvdata.StatusInitializing, hs.Status)
}

func TestSampleHealthyUnderNormalTraffic(t *testing.T) {
	reg := metrics.New()
	for i := 0; i < 20; i++ {
		reg.ObserveRequest(10*time.Millisecond, nil)
	}
	reg.RecordCacheHit()
	reg.RecordCacheHit()

	m := NewMonitor(reg, DefaultThresholds(), nil)
	hs := m.Sample()
	assert.Equal(t, pvdata.StatusHealthy, hs.Status)
}

func TestSampleDegradedOnHighErrorRate(t *testing.T) {
	reg := metrics.New()
	for i := 0; i < 10; i++ {
		reg.ObserveRequest(10*time.Millisecond, nil)
	}
	reg.ObserveRequest(10*time.Millisecond, archerr.New(archerr.Connection, "c", "o", "down"))

	m := NewMonitor(reg, DefaultThresholds(), nil)
	hs := m.Sample()
	assert.Equal(t, pvdata.StatusDegraded, hs.Status)
}

func TestSampleUnhealthyOnExcessMemory(t *testing.T) {
	reg := metrics.New()
	reg.ObserveRequest(10*time.Millisecond, nil)

	thresholds := DefaultThresholds()
	thresholds.MaxMemoryBytes = 100
	m := NewMonitor(reg, thresholds, func() uint64 { return 1000 })
	hs := m.Sample()
	assert.Equal(t, pvdata.StatusUnhealthy, hs.Status)
	assert.Equal(t, uint64(1000), hs.MemoryBytes)
}

func TestLastReturnsMostRecentSample(t *testing.T) {
	reg := metrics.New()
	m := NewMonitor(reg, DefaultThresholds(), nil)
	assert.Equal(t, pvdata.StatusInitializing, m.Last().Status)
	reg.ObserveRequest(time.Millisecond, nil)
	m.Sample()
	assert.Equal(t, pvdata.StatusHealthy, m.Last().Status)
}
