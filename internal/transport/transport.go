// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport issues the archiver's getData.{raw,json} and
// getVersion requests over a shared pooled HTTP client, mapping
// connection failures and HTTP status codes to the client's error
// taxonomy before anything downstream sees them.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
)

// RequestTimeout is the per-request deadline applied to every call this
// package makes, independent of any deadline already on the caller's
// context.
const RequestTimeout = 30 * time.Second

// Transport is a stateless wrapper over a shared, pooled http.Client.
type Transport struct {
	client  *http.Client
	baseURL string
}

// New returns a Transport issuing requests against baseURL (no trailing
// slash expected; one is trimmed if present).
func New(baseURL string) *Transport {
	return &Transport{
		client:  &http.Client{Timeout: RequestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BuildDataURL constructs a getData.{raw,json} URL for one PV, range and
// resolution. When fetchLatestMetadata is true, headers are requested
// even for resolutions that otherwise wouldn't need them.
func (t *Transport) BuildDataURL(format string, pv pvdata.PVName, r pvdata.TimeRange, res pvdata.Resolution, fetchLatestMetadata bool) string {
	token := pv
	if res != nil {
		if qt := res.QueryToken(); qt != "" {
			token = pvdata.PVName(fmt.Sprintf("%s(%s)", qt, pv))
		}
	}

	q := url.Values{}
	q.Set("pv", string(token))
	q.Set("from", renderISO8601(r.Start))
	q.Set("to", renderISO8601(r.End))
	if fetchLatestMetadata {
		q.Set("fetchLatestMetadata", "true")
	}

	return fmt.Sprintf("%s/retrieval/data/getData.%s?%s", t.baseURL, format, q.Encode())
}

// renderISO8601 renders a Unix-seconds timestamp as RFC 3339 with
// millisecond precision, UTC rendered as "-00:00" to match the
// archiver's own server-side convention.
func renderISO8601(unixSeconds int64) string {
	t := time.Unix(unixSeconds, 0).UTC()
	return t.Format("2006-01-02T15:04:05.000") + "-00:00"
}

// Get issues a GET request and returns the raw response body and its
// Content-Type header (so callers can pick the binary or JSON-fallback
// codec per §4.1), mapping transport and status failures to the
// archiver client's error taxonomy. The caller's context is intersected
// with RequestTimeout.
func (t *Transport) Get(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", archerr.New(archerr.InvalidRequest, "transport", "Get", "malformed request URL: "+err.Error())
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", archerr.New(archerr.Connection, "transport", "Get", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", archerr.New(archerr.Connection, "transport", "Get", "reading response body: "+err.Error())
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.Header.Get("Content-Type"), nil
	}
	return nil, "", statusError(resp, body)
}

// GetVersion probes connectivity against {base}/retrieval/bpl/getVersion.
// Success is any 2xx response.
func (t *Transport) GetVersion(ctx context.Context) error {
	_, _, err := t.Get(ctx, t.baseURL+"/retrieval/bpl/getVersion")
	return err
}

// statusError classifies a non-2xx response: 4xx (except 429) is an
// InvalidRequest, 429 and 5xx are Server errors eligible for retry,
// carrying any Retry-After header the server sent.
func statusError(resp *http.Response, body []byte) error {
	msg := fmt.Sprintf("unexpected status %s", resp.Status)
	if len(body) > 0 && len(body) < 512 {
		msg = fmt.Sprintf("%s: %s", msg, string(body))
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
		return archerr.New(archerr.InvalidRequest, "transport", "Get", msg)
	}

	e := archerr.New(archerr.Server, "transport", "Get", msg)
	e.Status = resp.StatusCode
	if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		e.RetryAfter = ra
	}
	return e
}

// parseRetryAfter understands both the delay-seconds and HTTP-date forms
// of the Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
