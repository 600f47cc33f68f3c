// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDataURLRaw(t *testing.T) {
	tr := New("http://localhost:17665")
	u := tr.BuildDataURL("raw", "PV:A", pvdata.TimeRange{Start: 1710284285, End: 1710287885}, pvdata.Raw(), false)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "/retrieval/data/getData.raw", parsed.Path)
	assert.Equal(t, "PV:A", parsed.Query().Get("pv"))
	assert.Contains(t, parsed.Query().Get("from"), "-00:00")
}

func TestBuildDataURLEncodesResolutionToken(t *testing.T) {
	tr := New("http://localhost:17665")
	u := tr.BuildDataURL("json", "PV:B", pvdata.TimeRange{Start: 0, End: 60}, pvdata.Binned(pvdata.OpMean, 60), true)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "mean_60(PV:B)", parsed.Query().Get("pv"))
	assert.Equal(t, "true", parsed.Query().Get("fetchLatestMetadata"))
}

func TestGetHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	tr := New(srv.URL)
	body, _, err := tr.Get(context.Background(), srv.URL+"/retrieval/data/getData.raw")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestGetReturnsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	tr := New(srv.URL)
	_, contentType, err := tr.Get(context.Background(), srv.URL+"/retrieval/data/getData.json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
}

func TestGetMapsClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := New(srv.URL)
	_, _, err := tr.Get(context.Background(), srv.URL+"/x")
	require.Error(t, err)
	ae, ok := archerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, archerr.InvalidRequest, ae.Kind)
}

func TestGetMapsServerErrorWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New(srv.URL)
	_, _, err := tr.Get(context.Background(), srv.URL+"/x")
	require.Error(t, err)
	ae, ok := archerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, archerr.Server, ae.Kind)
	assert.Equal(t, 503, ae.Status)
	assert.True(t, ae.Retryable())
	assert.Equal(t, 2e9, float64(ae.RetryAfter))
}

func TestGetConnectionError(t *testing.T) {
	tr := New("http://127.0.0.1:1")
	_, _, err := tr.Get(context.Background(), "http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	ae, ok := archerr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, archerr.Connection, ae.Kind)
}

func TestGetVersionHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/retrieval/bpl/getVersion", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(srv.URL)
	assert.NoError(t, tr.GetVersion(context.Background()))
}
