// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wirecodec decodes the EPICS Archiver Appliance's framed binary
// stream (getData.raw) into a pvdata.Meta/[]pvdata.Point pair, and parses
// the getData.json fallback encoding to the same shape.
//
// The binary stream is a sequence of newline-separated, byte-stuffed
// records. Record 0 is a length-delimited PayloadInfo message; every
// following record is a length-delimited scalar sample message, both in
// the protobuf wire format the archiver's own Java/Go clients emit.
package wirecodec

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archerr"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
	"google.golang.org/protobuf/encoding/protowire"
)

// Byte-stuffing constants, per the archiver's wire protocol.
const (
	escapeChar           byte = 0x1B
	newlineChar          byte = 0x0A
	carriageReturnChar   byte = 0x0D
	escapeEscapeChar     byte = 0x01
	newlineEscapeChar    byte = 0x02
	carriageReturnEscape byte = 0x03
)

// payloadType mirrors the archiver's PayloadType protobuf enum. Only the
// scalar variants are decoded; waveform and V4 generic-bytes types fail
// the individual record, not the whole stream.
type payloadType int32

const (
	typeScalarString payloadType = 0
	typeScalarShort  payloadType = 1
	typeScalarFloat  payloadType = 2
	typeScalarEnum   payloadType = 3
	typeScalarByte   payloadType = 4
	typeScalarInt    payloadType = 5
	typeScalarDouble payloadType = 6
)

// yearStarts holds the Unix timestamp, in seconds, of January 1st 00:00
// UTC for every year the archiver might report, precomputed once at
// package init so decode never touches the calendar on the hot path.
var yearStarts = func() map[int32]int64 {
	m := make(map[int32]int64, 101)
	for year := 2000; year <= 2100; year++ {
		t := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		m[int32(year)] = t.Unix()
	}
	return m
}()

// unixMs converts a year-relative timestamp to the canonical internal
// unix_ms unit. This is the only place in the codebase that performs this
// conversion; nothing downstream recomputes it from secondsintoyear/nano.
func unixMs(secondsIntoYear, nano uint32, year int32) (int64, error) {
	start, ok := yearStarts[year]
	if !ok {
		return 0, fmt.Errorf("year %d out of supported range 2000..=2100", year)
	}
	totalSeconds := start + int64(secondsIntoYear)
	return totalSeconds*1000 + int64(nano)/1_000_000, nil
}

// knownHeaders are the archiver metadata header names lifted into typed
// Meta fields; anything else lands in Meta.UnknownHeaders.
var knownHeaders = map[string]bool{
	"EGU": true, "DRVH": true, "DRVL": true, "HIGH": true, "HIHI": true,
	"LOW": true, "LOLO": true, "LOPR": true, "HOPR": true, "PREC": true,
	"NELM": true, "DESC": true,
}

// Decode parses one full getData.raw response body into the stream's
// metadata and its ordered, deduplicated points. A trailing unterminated
// record at EOF is dispatched iff it is non-empty and the header record
// has already been consumed.
func Decode(raw []byte) (pvdata.Meta, []pvdata.Point, error) {
	if len(raw) == 0 {
		return pvdata.Meta{}, nil, archerr.New(archerr.Decode, "wirecodec", "Decode", "empty response body")
	}

	var (
		meta      pvdata.Meta
		haveMeta  bool
		year      int32
		ptype     payloadType
		points    = make([]pvdata.Point, 0, 64)
		current   = make([]byte, 0, 128)
		inHeader  = true
		inEscape  bool
	)

	dispatch := func() error {
		if len(current) == 0 {
			return nil
		}
		defer func() { current = current[:0] }()
		if inHeader {
			m, y, t, err := decodeHeader(current)
			if err != nil {
				return archerr.New(archerr.Decode, "wirecodec", "decodeHeader", err.Error())
			}
			meta, year, ptype, haveMeta = m, y, t, true
			inHeader = false
			return nil
		}
		if !haveMeta {
			return nil
		}
		p, err := decodeRecord(current, ptype, year)
		if err != nil {
			// A bad body record fails only itself, per the decoding
			// contract; record 0 failures are returned above instead.
			return nil
		}
		points = append(points, p)
		return nil
	}

	for _, b := range raw {
		if inEscape {
			switch b {
			case escapeEscapeChar:
				current = append(current, escapeChar)
			case newlineEscapeChar:
				current = append(current, newlineChar)
			case carriageReturnEscape:
				current = append(current, carriageReturnChar)
			default:
				current = append(current, b)
			}
			inEscape = false
			continue
		}
		switch b {
		case escapeChar:
			inEscape = true
		case newlineChar:
			if err := dispatch(); err != nil {
				return pvdata.Meta{}, nil, err
			}
		default:
			current = append(current, b)
		}
	}

	if len(current) != 0 && !inHeader {
		if err := dispatch(); err != nil {
			return pvdata.Meta{}, nil, err
		}
	} else if inHeader {
		return pvdata.Meta{}, nil, archerr.New(archerr.Decode, "wirecodec", "Decode", "stream ended before a PayloadInfo header was read")
	}

	return meta, coalesce(points), nil
}

// coalesce enforces strictly increasing timestamps, keeping the later
// record whenever two decoded points share a timestamp.
func coalesce(points []pvdata.Point) []pvdata.Point {
	if len(points) < 2 {
		return points
	}
	// A stable sort keeps records with equal timestamps in stream order,
	// so the merge below still keeps the later one.
	sort.SliceStable(points, func(i, j int) bool { return points[i].TimestampMs < points[j].TimestampMs })
	out := points[:1]
	for _, p := range points[1:] {
		last := &out[len(out)-1]
		if p.TimestampMs == last.TimestampMs {
			*last = p
			continue
		}
		out = append(out, p)
	}
	return out
}

// decodeHeader parses record 0, a length-delimited PayloadInfo message:
//
//	1: varint   type
//	2: string   pvname
//	3: varint   year
//	6: repeated message headers { 1: string name; 2: string val }
func decodeHeader(buf []byte) (pvdata.Meta, int32, payloadType, error) {
	var (
		meta  pvdata.Meta
		year  int32
		ptype payloadType
	)
	meta.UnknownHeaders = map[string]string{}

	for len(buf) > 0 {
		num, wt, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return pvdata.Meta{}, 0, 0, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case 1: // type
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pvdata.Meta{}, 0, 0, protowire.ParseError(n)
			}
			ptype = payloadType(int32(v))
			buf = buf[n:]
		case 2: // pvname
			s, n, err := consumeString(buf, wt)
			if err != nil {
				return pvdata.Meta{}, 0, 0, err
			}
			meta.Name = s
			buf = buf[n:]
		case 3: // year
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pvdata.Meta{}, 0, 0, protowire.ParseError(n)
			}
			year = int32(v)
			buf = buf[n:]
		case 6: // headers
			b, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return pvdata.Meta{}, 0, 0, protowire.ParseError(n)
			}
			name, val, err := decodeHeaderField(b)
			if err != nil {
				return pvdata.Meta{}, 0, 0, err
			}
			applyHeader(&meta, name, val)
			buf = buf[n:]
		default:
			n, err := skipField(buf, wt)
			if err != nil {
				return pvdata.Meta{}, 0, 0, err
			}
			buf = buf[n:]
		}
	}
	if meta.Name == "" {
		return pvdata.Meta{}, 0, 0, fmt.Errorf("PayloadInfo is missing pvname")
	}
	return meta, year, ptype, nil
}

func applyHeader(meta *pvdata.Meta, name, val string) {
	if !knownHeaders[name] {
		meta.UnknownHeaders[name] = val
		return
	}
	v := val
	switch name {
	case "EGU":
		meta.Units = val
	case "DRVH":
		meta.DisplayHigh = &v
	case "DRVL":
		meta.DisplayLow = &v
	case "HIGH":
		meta.AlarmHigh = &v
	case "HIHI":
		meta.AlarmHiHi = &v
	case "LOW":
		meta.AlarmLow = &v
	case "LOLO":
		meta.AlarmLoLo = &v
	case "LOPR":
		meta.DisplayLow = &v
	case "HOPR":
		meta.DisplayHigh = &v
	case "PREC":
		meta.Precision = &v
	case "NELM":
		meta.NumElements = &v
	case "DESC":
		meta.Description = &v
	}
}

// decodeHeaderField parses one FieldValue message { 1: name, 2: val }.
func decodeHeaderField(buf []byte) (name, val string, err error) {
	for len(buf) > 0 {
		num, wt, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			s, n, err := consumeString(buf, wt)
			if err != nil {
				return "", "", err
			}
			name = s
			buf = buf[n:]
		case 2:
			s, n, err := consumeString(buf, wt)
			if err != nil {
				return "", "", err
			}
			val = s
			buf = buf[n:]
		default:
			n, err := skipField(buf, wt)
			if err != nil {
				return "", "", err
			}
			buf = buf[n:]
		}
	}
	return name, val, nil
}

// decodeRecord decodes one typed scalar sample record, dispatching on the
// stream's declared payload type.
func decodeRecord(buf []byte, ptype payloadType, year int32) (pvdata.Point, error) {
	switch ptype {
	case typeScalarString, typeScalarFloat, typeScalarDouble, typeScalarInt, typeScalarShort, typeScalarByte, typeScalarEnum:
		return decodeScalar(buf, year)
	default:
		return pvdata.Point{}, fmt.Errorf("unsupported payload type %d", ptype)
	}
}

// scalar field numbers, common to every ScalarXxx message:
//
//	1: varint   secondsintoyear
//	2: <varies> val
//	3: varint   nano
//	4: varint   severity
//	5: varint   status
func decodeScalar(buf []byte, year int32) (pvdata.Point, error) {
	var (
		secondsIntoYear uint32
		nano            uint32
		severity        int32
		status          int32
		value           float64
		haveValue       bool
	)

	for len(buf) > 0 {
		num, wt, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return pvdata.Point{}, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pvdata.Point{}, protowire.ParseError(n)
			}
			secondsIntoYear = uint32(v)
			buf = buf[n:]
		case 2:
			v, n, err := consumeScalarValue(buf, wt)
			if err != nil {
				return pvdata.Point{}, err
			}
			value = v
			haveValue = true
			buf = buf[n:]
		case 3:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pvdata.Point{}, protowire.ParseError(n)
			}
			nano = uint32(v)
			buf = buf[n:]
		case 4:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pvdata.Point{}, protowire.ParseError(n)
			}
			severity = int32(v)
			buf = buf[n:]
		case 5:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return pvdata.Point{}, protowire.ParseError(n)
			}
			status = int32(v)
			buf = buf[n:]
		default:
			n, err := skipField(buf, wt)
			if err != nil {
				return pvdata.Point{}, err
			}
			buf = buf[n:]
		}
	}
	if !haveValue {
		return pvdata.Point{}, fmt.Errorf("scalar record is missing its value field")
	}

	ms, err := unixMs(secondsIntoYear, nano, year)
	if err != nil {
		return pvdata.Point{}, err
	}

	return pvdata.Point{
		TimestampMs: ms,
		Value:       value,
		Min:         value,
		Max:         value,
		StdDev:      0,
		Count:       1,
		Severity:    severity,
		Status:      status,
	}, nil
}

func consumeScalarValue(buf []byte, wt protowire.Type) (float64, int, error) {
	switch wt {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		return float64(int64(v)), n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(buf)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		return float64(math.Float32frombits(v)), n, nil
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(buf)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		return math.Float64frombits(v), n, nil
	case protowire.BytesType:
		b, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return 0, 0, protowire.ParseError(n)
		}
		if len(b) == 1 {
			return float64(b[0]), n, nil
		}
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f, n, nil
		}
		return math.NaN(), n, nil
	default:
		return 0, 0, fmt.Errorf("unsupported scalar value wire type %d", wt)
	}
}

func consumeString(buf []byte, wt protowire.Type) (string, int, error) {
	if wt != protowire.BytesType {
		n, err := skipField(buf, wt)
		return "", n, err
	}
	b, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return string(b), n, nil
}

func skipField(buf []byte, wt protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(0, wt, buf)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
