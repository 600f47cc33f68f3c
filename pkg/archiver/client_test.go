// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package archiver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/config"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cl, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, cl.Shutdown(context.Background()))
		srv.Close()
	})
	return cl, srv
}

func TestClientFetchDataHappyPath(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"values":[{"secs":1710284285,"val":1.25},{"secs":1710284286,"val":1.50}]}`))
	})

	series, err := cl.FetchData(context.Background(), []pvdata.PVName{"PV:A"}, 1710284285, 1710287885, pvdata.Raw())
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Len(t, series[0].Points, 2)
	assert.Equal(t, 1.25, series[0].Points[0].Value)
	assert.Equal(t, 1.50, series[0].Points[1].Value)
}

func TestClientFetchDataValidatorRejects(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP request should be issued for an invalid request")
	})

	_, err := cl.FetchData(context.Background(), []pvdata.PVName{""}, 0, 0, pvdata.Raw())
	require.Error(t, err)
}

func TestClientTestConnection(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, cl.TestConnection(context.Background()))
}

func TestClientGetHealthStatusInitializing(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	status := cl.GetHealthStatus()
	assert.Equal(t, pvdata.StatusInitializing, status.Status)
}

func TestClientListOperators(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ops := cl.ListOperators()
	assert.NotEmpty(t, ops)
}

func TestClientCacheStatsAndClear(t *testing.T) {
	cl, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"values":[{"secs":1710284285,"val":1.0}]}`))
	})

	_, err := cl.FetchData(context.Background(), []pvdata.PVName{"PV:A"}, 1710284285, 1710287885, pvdata.Raw())
	require.NoError(t, err)

	stats := cl.CacheStats()
	assert.Equal(t, 1, stats.Entries)

	cl.ClearCache()
	assert.Equal(t, 0, cl.CacheStats().Entries)
}
