// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package validator rejects malformed PV names, time ranges and
// resolutions before any I/O is attempted. Every check runs
// synchronously and failures aggregate: a single call reports every
// violation it finds, not just the first.
package validator

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/pvdata"
)

var pvNameRegexp = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,255}$`)

// Limits is the configurable policy a Validator enforces in addition to
// the fixed structural rules (PV character set, time-range ordering).
type Limits struct {
	MaxPVs        int
	MaxTimeRange  time.Duration
	MinBinSeconds int64
	MaxBinSeconds int64
}

// DefaultLimits mirrors the original implementation's ValidationLimits
// defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPVs:        100,
		MaxTimeRange:  365 * 24 * time.Hour,
		MinBinSeconds: 1,
		MaxBinSeconds: 86400,
	}
}

// Validator checks requests before any network call is made.
type Validator struct {
	limits Limits
}

// New returns a Validator enforcing DefaultLimits.
func New() *Validator {
	return &Validator{limits: DefaultLimits()}
}

// WithLimits returns a Validator enforcing a caller-supplied policy.
func WithLimits(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// ValidatePVName checks one PV name against the character set and
// length rules, returning every violation it finds.
func ValidatePVName(name string) []string {
	var errs []string
	if name == "" {
		errs = append(errs, "PV name cannot be empty")
		return errs
	}
	if len(name) > 255 {
		errs = append(errs, "PV name exceeds maximum length of 255 characters")
	}
	if !pvNameRegexp.MatchString(name) {
		errs = append(errs, "PV name contains invalid characters")
	}
	return errs
}

// ValidateTimeRange checks ordering, span and past/future bounds.
func ValidateTimeRange(r pvdata.TimeRange, now time.Time) []string {
	var errs []string
	if r.End <= r.Start {
		errs = append(errs, "End time must be after start time")
	}
	if r.End-r.Start > int64((365 * 24 * time.Hour).Seconds()) {
		errs = append(errs, "Time range cannot exceed 1 year")
	}
	if r.Start < now.Add(-10*365*24*time.Hour).Unix() {
		errs = append(errs, "Start time cannot be more than 10 years in the past")
	}
	if r.End > now.Add(60*time.Second).Unix() {
		errs = append(errs, "End time cannot be more than 60 seconds in the future")
	}
	return errs
}

// Validate runs every rule for one fetch request and aggregates every
// violation into a single slice, matching the "errors aggregate" contract:
// a caller sees every problem with its request in one pass, not just the
// first.
func (v *Validator) Validate(pvs []pvdata.PVName, r pvdata.TimeRange, res pvdata.Resolution, now time.Time) []string {
	var errs []string
	if len(pvs) == 0 {
		errs = append(errs, "at least one PV name is required")
	}
	if v.limits.MaxPVs > 0 && len(pvs) > v.limits.MaxPVs {
		errs = append(errs, fmt.Sprintf("too many PVs requested: %d exceeds the limit of %d", len(pvs), v.limits.MaxPVs))
	}
	for _, pv := range pvs {
		errs = append(errs, ValidatePVName(string(pv))...)
	}
	errs = append(errs, ValidateTimeRange(r, now)...)
	if v.limits.MaxTimeRange > 0 && r.End > r.Start && r.End-r.Start > int64(v.limits.MaxTimeRange.Seconds()) {
		errs = append(errs, fmt.Sprintf("time range exceeds the configured policy limit of %s", v.limits.MaxTimeRange))
	}
	if res != nil {
		errs = append(errs, ValidateResolution(res)...)
		if bs, ok := res.(interface{ BinSeconds() uint32 }); ok {
			binSeconds := int64(bs.BinSeconds())
			if binSeconds < v.limits.MinBinSeconds || binSeconds > v.limits.MaxBinSeconds {
				errs = append(errs, fmt.Sprintf("bin size must be between %d and %d seconds per policy", v.limits.MinBinSeconds, v.limits.MaxBinSeconds))
			}
		}
	}
	return errs
}

// ValidateResolution checks that a resolution's parameters are in
// range: bin sizes in 1..=86400, a positive nth, a positive flyer
// threshold. Resolution variants are unexported, so the checks work
// off each variant's exported accessor methods rather than reaching
// into unexported fields.
func ValidateResolution(res pvdata.Resolution) []string {
	if res == nil {
		return []string{"resolution must not be nil"}
	}
	var errs []string
	if bs, ok := res.(interface{ BinSeconds() uint32 }); ok {
		if v := bs.BinSeconds(); v < 1 || v > 86400 {
			errs = append(errs, "Bin size must be between 1 and 86400 seconds")
		}
	}
	if n, ok := res.(interface{ N() uint32 }); ok {
		if n.N() < 1 {
			errs = append(errs, "nth operator requires a positive integer parameter")
		}
	}
	if th, ok := res.(interface{ StdDevThreshold() float64 }); ok {
		if th.StdDevThreshold() <= 0 {
			errs = append(errs, "flyer standard-deviation threshold must be positive")
		}
	}
	return errs
}
