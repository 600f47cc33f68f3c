// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package wirecodec

import (
	"encoding/json"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
)

// jsonResponse is the fallback encoding's envelope: a flat list of value
// records, with an optional metadata object the archiver's JSON endpoint
// includes when fetchLatestMetadata was requested.
type jsonResponse struct {
	Meta   map[string]string `json:"meta"`
	Values []jsonPoint       `json:"values"`
}

type jsonPoint struct {
	Secs     int64    `json:"secs"`
	Nanos    *int64   `json:"nanos,omitempty"`
	Val      float64  `json:"val"`
	Severity *int32   `json:"severity,omitempty"`
	Status   *int32   `json:"status,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	StdDev   *float64 `json:"stddev,omitempty"`
	Count    *int64   `json:"count,omitempty"`
}

// DecodeJSON parses the getData.json fallback encoding, converting it to
// the same Meta/[]Point shape Decode produces for the binary stream.
// Missing reduced fields (min/max/stddev/count) default to the raw
// convention: min == max == val, stddev == 0, count == 1.
func DecodeJSON(raw []byte, pv string) (pvdata.Meta, []pvdata.Point, error) {
	var resp jsonResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return pvdata.Meta{}, nil, archerr.New(archerr.Decode, "wirecodec", "DecodeJSON", "malformed JSON response: "+err.Error())
	}

	meta := pvdata.Meta{Name: pv, UnknownHeaders: map[string]string{}}
	for k, v := range resp.Meta {
		if k == "name" {
			meta.Name = v
			continue
		}
		applyHeader(&meta, k, v)
	}

	points := make([]pvdata.Point, 0, len(resp.Values))
	for _, jp := range resp.Values {
		points = append(points, pvdata.Point{
			TimestampMs: jp.Secs*1000 + derefInt64(jp.Nanos)/1_000_000,
			Value:       jp.Val,
			Min:         derefFloatOr(jp.Min, jp.Val),
			Max:         derefFloatOr(jp.Max, jp.Val),
			StdDev:      derefFloatOr(jp.StdDev, 0),
			Count:       derefInt64Or(jp.Count, 1),
			Severity:    derefInt32(jp.Severity),
			Status:      derefInt32(jp.Status),
		})
	}
	return meta, coalesce(points), nil
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefInt64Or(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}

func derefFloatOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
