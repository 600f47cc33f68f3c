// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config builds the Config a Client is constructed from:
// fixed defaults, overlaid by an optional JSON file validated against a
// fixed schema, then by the archiver URL environment variables
// (optionally loaded from a .env file).
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/internal/governor"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/health"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/log"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/validator"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
)

// Config is every tunable the Client needs to build its collaborators.
type Config struct {
	BaseURL           string           `json:"base_url"`
	CacheCeilingBytes uint64           `json:"cache_ceiling_bytes"`
	Governor          GovernorConfig   `json:"governor"`
	Limits            LimitsConfig     `json:"limits"`
	Thresholds        ThresholdsConfig `json:"thresholds"`
}

// LimitsConfig is the JSON-friendly mirror of validator.Limits.
type LimitsConfig struct {
	MaxPVs        int           `json:"max_pvs"`
	MaxTimeRange  time.Duration `json:"max_time_range_seconds"`
	MinBinSeconds int64         `json:"min_bin_seconds"`
	MaxBinSeconds int64         `json:"max_bin_seconds"`
}

// ToValidatorLimits converts to the concrete type validator.WithLimits
// expects.
func (l LimitsConfig) ToValidatorLimits() validator.Limits {
	return validator.Limits{
		MaxPVs:        l.MaxPVs,
		MaxTimeRange:  l.MaxTimeRange,
		MinBinSeconds: l.MinBinSeconds,
		MaxBinSeconds: l.MaxBinSeconds,
	}
}

// ThresholdsConfig is the JSON-friendly mirror of health.Thresholds.
type ThresholdsConfig struct {
	MaxErrorRate    float64 `json:"max_error_rate"`
	MaxAvgLatencyMs float64 `json:"max_avg_latency_ms"`
	MaxMemoryBytes  uint64  `json:"max_memory_bytes"`
	MinCacheHitRate float64 `json:"min_cache_hit_rate"`
}

// ToHealthThresholds converts to the concrete type health.NewMonitor
// expects.
func (t ThresholdsConfig) ToHealthThresholds() health.Thresholds {
	return health.Thresholds{
		MaxErrorRate:    t.MaxErrorRate,
		MaxAvgLatencyMs: t.MaxAvgLatencyMs,
		MaxMemoryBytes:  t.MaxMemoryBytes,
		MinCacheHitRate: t.MinCacheHitRate,
	}
}

// GovernorConfig is the JSON-friendly mirror of governor.Config; it
// exists so callers never have to import golang.org/x/time/rate just
// to build a Config.
type GovernorConfig struct {
	RatePerSecond  float64       `json:"rate_per_second"`
	Burst          int           `json:"burst"`
	MaxConcurrency int64         `json:"max_concurrency"`
	MaxAttempts    int           `json:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay_ms"`
	MaxDelay       time.Duration `json:"max_delay_ms"`
}

// ToGovernorConfig converts to the concrete type governor.New expects.
func (g GovernorConfig) ToGovernorConfig() governor.Config {
	return governor.Config{
		RateLimit:      rate.Limit(g.RatePerSecond),
		Burst:          g.Burst,
		MaxConcurrency: g.MaxConcurrency,
		MaxAttempts:    g.MaxAttempts,
		BaseDelay:      g.BaseDelay,
		MaxDelay:       g.MaxDelay,
	}
}

// Default returns the fixed defaults from spec.md §4: 100 req/s burst
// 20, 10 concurrent, 3 attempts, 100ms..30s backoff, a 256MiB cache
// ceiling, and the Validator's and Health Monitor's own documented
// defaults.
func Default() Config {
	return Config{
		BaseURL:           "http://localhost:17665",
		CacheCeilingBytes: 256 << 20,
		Governor: GovernorConfig{
			RatePerSecond:  100,
			Burst:          20,
			MaxConcurrency: 10,
			MaxAttempts:    3,
			BaseDelay:      100 * time.Millisecond,
			MaxDelay:       30 * time.Second,
		},
		Limits:     LimitsConfig(validator.DefaultLimits()),
		Thresholds: ThresholdsConfig(health.DefaultThresholds()),
	}
}

// schemaDoc constrains an optional JSON config file to known fields,
// mirroring internal/config's DisallowUnknownFields idiom at the
// schema level instead of (only) the decoder level.
const schemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"base_url": {"type": "string"},
		"cache_ceiling_bytes": {"type": "integer", "minimum": 0},
		"governor": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"rate_per_second": {"type": "number", "exclusiveMinimum": 0},
				"burst": {"type": "integer", "minimum": 1},
				"max_concurrency": {"type": "integer", "minimum": 1},
				"max_attempts": {"type": "integer", "minimum": 1},
				"base_delay_ms": {"type": "integer", "minimum": 0},
				"max_delay_ms": {"type": "integer", "minimum": 0}
			}
		},
		"limits": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_pvs": {"type": "integer", "minimum": 1},
				"max_time_range_seconds": {"type": "integer", "minimum": 0},
				"min_bin_seconds": {"type": "integer", "minimum": 1},
				"max_bin_seconds": {"type": "integer", "minimum": 1}
			}
		},
		"thresholds": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_error_rate": {"type": "number"},
				"max_avg_latency_ms": {"type": "number"},
				"max_memory_bytes": {"type": "integer"},
				"min_cache_hit_rate": {"type": "number"}
			}
		}
	}
}`

// Load builds a Config from the environment (after loading a .env file
// if present) and an optional JSON config file, which when given must
// validate against schemaDoc. Environment variables always take
// precedence over the file, since they're the deployment-time override
// mechanism per spec.md §6.
func Load(jsonConfigPath string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("config: .env present but unreadable: %s", err.Error())
	}

	if jsonConfigPath != "" {
		raw, err := os.ReadFile(jsonConfigPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			if err := validateAgainstSchema(raw); err != nil {
				return Config{}, err
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&cfg); err != nil {
				return Config{}, err
			}
		}
	}

	if url, ok := lookupArchiverURL(); ok {
		cfg.BaseURL = url
	}

	return cfg, nil
}

func validateAgainstSchema(raw []byte) error {
	sch, err := jsonschema.CompileString("epics-archiver-client-config.json", schemaDoc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

// lookupArchiverURL honors EPICS_ARCHIVER_URL first, then ARCHIVER_URL,
// per spec.md §6.
func lookupArchiverURL() (string, bool) {
	if v := os.Getenv("EPICS_ARCHIVER_URL"); v != "" {
		return v, true
	}
	if v := os.Getenv("ARCHIVER_URL"); v != "" {
		return v, true
	}
	return "", false
}

