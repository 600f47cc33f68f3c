// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package orchestrator

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ClusterCockpit/epics-archiver-client/internal/governor"
	"github.com/ClusterCockpit/epics-archiver-client/internal/transport"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/cache"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/metrics"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	escapeChar  byte = 0x1B
	newlineChar byte = 0x0A
)

func stuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case escapeChar:
			out = append(out, escapeChar, 0x01)
		case newlineChar:
			out = append(out, escapeChar, 0x02)
		case 0x0D:
			out = append(out, escapeChar, 0x03)
		default:
			out = append(out, c)
		}
	}
	return out
}

func frame(pv string, year int32, vals ...float64) []byte {
	var header []byte
	header = protowire.AppendTag(header, 1, protowire.VarintType)
	header = protowire.AppendVarint(header, 6) // ScalarDouble
	header = protowire.AppendTag(header, 2, protowire.BytesType)
	header = protowire.AppendString(header, pv)
	header = protowire.AppendTag(header, 3, protowire.VarintType)
	header = protowire.AppendVarint(header, uint64(year))

	var out []byte
	out = append(out, stuff(header)...)
	out = append(out, newlineChar)

	for i, v := range vals {
		var rec []byte
		rec = protowire.AppendTag(rec, 1, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(i))
		rec = protowire.AppendTag(rec, 2, protowire.Fixed64Type)
		rec = protowire.AppendFixed64(rec, math.Float64bits(v))
		out = append(out, stuff(rec)...)
		out = append(out, newlineChar)
	}
	return out
}

func newOrchestrator(t *testing.T, handler http.HandlerFunc) (*Orchestrator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	tr := transport.New(srv.URL)
	gov := governor.New(governor.DefaultConfig())
	c := cache.New(10 << 20)
	v := validator.New()
	m := metrics.New()
	return New(v, c, gov, tr, m), srv
}

func TestFetchHappyPath(t *testing.T) {
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(frame("PV:A", 2024, 1.25, 1.50))
	})
	defer srv.Close()

	result, err := o.Fetch(context.Background(), []pvdata.PVName{"PV:A"}, pvdata.TimeRange{Start: 1710284285, End: 1710287885}, pvdata.Raw(), false)
	require.NoError(t, err)
	require.Contains(t, result.Series, pvdata.PVName("PV:A"))
	assert.Len(t, result.Series["PV:A"].Points, 2)
}

func TestFetchStrictFailsOnFirstError(t *testing.T) {
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	defer srv.Close()

	_, err := o.Fetch(context.Background(), []pvdata.PVName{"PV:A", "PV:B"}, pvdata.TimeRange{Start: 1710284285, End: 1710284385}, pvdata.Raw(), false)
	assert.Error(t, err)
}

func TestFetchLenientReturnsPartial(t *testing.T) {
	var calls int32
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n%2 == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write(frame("PV:X", 2024, 3.0))
	})
	defer srv.Close()

	result, err := o.Fetch(context.Background(), []pvdata.PVName{"PV:A", "PV:B"}, pvdata.TimeRange{Start: 1710284285, End: 1710284385}, pvdata.Raw(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, len(result.Series))
	assert.Equal(t, 1, len(result.Errors))
}

func TestFetchRejectsInvalidRequestWithoutIO(t *testing.T) {
	var hit int32
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
	})
	defer srv.Close()

	_, err := o.Fetch(context.Background(), []pvdata.PVName{""}, pvdata.TimeRange{Start: 0, End: 0}, pvdata.Raw(), false)
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hit))
}

func TestFetchAutoSelectsResolutionWhenNil(t *testing.T) {
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("pv"), "optimized_")
		w.Write(frame("PV:A", 2024, 1.0))
	})
	defer srv.Close()

	_, err := o.Fetch(context.Background(), []pvdata.PVName{"PV:A"}, pvdata.TimeRange{Start: 1710284285, End: 1710384285}, nil, false)
	require.NoError(t, err)
}

func TestTestConnection(t *testing.T) {
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()
	assert.True(t, o.TestConnection(context.Background()))
}

func TestGetPVStatusReportsDisconnectedOnFailure(t *testing.T) {
	o, srv := newOrchestrator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	statuses := o.GetPVStatus(context.Background(), []pvdata.PVName{"PV:A"})
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Connected)
}
