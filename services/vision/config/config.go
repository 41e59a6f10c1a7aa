// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves the engine's configuration once, at startup, into
// an immutable value. Precedence is CLI > environment > manifest (YAML) >
// built-in default: no process-wide singleton is read by the hot loop
// afterward.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultManifestYAML []byte

// Config is the fully resolved, immutable configuration for one run.
type Config struct {
	LatencyBudgetMs int     `yaml:"latency_budget_ms" validate:"gt=0"`
	LatencyWindow   int     `yaml:"latency_window" validate:"gt=0"`
	LowWater        float64 `yaml:"low_water" validate:"gt=0,lt=1"`

	FrameStride int  `yaml:"frame_stride" validate:"gte=1"`
	MinStride   int  `yaml:"min_stride" validate:"gte=1"`
	MaxStride   int  `yaml:"max_stride" validate:"gtefield=MinStride"`
	AutoStride  bool `yaml:"auto_stride"`

	MatcherTopK         int     `yaml:"matcher_topk" validate:"gt=0"`
	MatcherThreshold    float64 `yaml:"matcher_threshold" validate:"gte=-1,lte=1"`
	MatcherMinNeighbors int     `yaml:"matcher_min_neighbors" validate:"gte=1"`

	KBJSONPath string `yaml:"kb_json_path"`

	OracleMaxLen int `yaml:"oracle_maxlen" validate:"gt=0"`

	UnknownRateBandLow  float64 `yaml:"unknown_rate_band_low" validate:"gte=0,lte=1"`
	UnknownRateBandHigh float64 `yaml:"unknown_rate_band_high" validate:"gtefield=UnknownRateBandLow,lte=1"`

	DebugColdStart bool `yaml:"debug_cold_start"`
}

// manifest mirrors Config's YAML-tagged fields for unmarshalling; Config
// itself carries validator tags that must not collide with zero-value YAML
// parsing semantics (e.g. AutoStride defaulting to true).
type manifest struct {
	LatencyBudgetMs     *int     `yaml:"latency_budget_ms"`
	LatencyWindow       *int     `yaml:"latency_window"`
	LowWater            *float64 `yaml:"low_water"`
	FrameStride         *int     `yaml:"frame_stride"`
	MinStride           *int     `yaml:"min_stride"`
	MaxStride           *int     `yaml:"max_stride"`
	AutoStride          *bool    `yaml:"auto_stride"`
	MatcherTopK         *int     `yaml:"matcher_topk"`
	MatcherThreshold    *float64 `yaml:"matcher_threshold"`
	MatcherMinNeighbors *int     `yaml:"matcher_min_neighbors"`
	KBJSONPath          *string  `yaml:"kb_json_path"`
	OracleMaxLen        *int     `yaml:"oracle_maxlen"`
	UnknownRateBandLow  *float64 `yaml:"unknown_rate_band_low"`
	UnknownRateBandHigh *float64 `yaml:"unknown_rate_band_high"`
	DebugColdStart      *bool    `yaml:"debug_cold_start"`
}

// Overrides carries CLI flag values. A nil pointer field means "not set on
// the command line"; env and manifest values are consulted in that order.
type Overrides struct {
	LatencyBudgetMs *int
	KBJSONPath      *string
	AutoStride      *bool
	FrameStride     *int
}

var validate = validator.New()

// Default returns the built-in default configuration, parsed from the
// embedded defaults.yaml.
func Default() (*Config, error) {
	var m manifest
	if err := yaml.Unmarshal(defaultManifestYAML, &m); err != nil {
		return nil, fmt.Errorf("config: parse embedded defaults: %w", err)
	}
	cfg := &Config{}
	applyManifest(cfg, &m)
	return cfg, nil
}

// Resolve builds the final Config by layering, in increasing priority:
// built-in defaults, an optional manifest file, environment variables, and
// explicit CLI overrides.
//
// The returned Config is validated before return; a validation failure is a
// ConfigError.
func Resolve(manifestPath string, ov Overrides) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("config: read manifest %s: %w", manifestPath, err)
		}
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("config: parse manifest %s: %w", manifestPath, err)
		}
		applyManifest(cfg, &m)
	}

	applyEnv(cfg)
	applyOverrides(cfg, ov)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", NewConfigError(err.Error()))
	}
	return cfg, nil
}

func applyManifest(cfg *Config, m *manifest) {
	if m.LatencyBudgetMs != nil {
		cfg.LatencyBudgetMs = *m.LatencyBudgetMs
	}
	if m.LatencyWindow != nil {
		cfg.LatencyWindow = *m.LatencyWindow
	}
	if m.LowWater != nil {
		cfg.LowWater = *m.LowWater
	}
	if m.FrameStride != nil {
		cfg.FrameStride = *m.FrameStride
	}
	if m.MinStride != nil {
		cfg.MinStride = *m.MinStride
	}
	if m.MaxStride != nil {
		cfg.MaxStride = *m.MaxStride
	}
	if m.AutoStride != nil {
		cfg.AutoStride = *m.AutoStride
	}
	if m.MatcherTopK != nil {
		cfg.MatcherTopK = *m.MatcherTopK
	}
	if m.MatcherThreshold != nil {
		cfg.MatcherThreshold = *m.MatcherThreshold
	}
	if m.MatcherMinNeighbors != nil {
		cfg.MatcherMinNeighbors = *m.MatcherMinNeighbors
	}
	if m.KBJSONPath != nil {
		cfg.KBJSONPath = *m.KBJSONPath
	}
	if m.OracleMaxLen != nil {
		cfg.OracleMaxLen = *m.OracleMaxLen
	}
	if m.UnknownRateBandLow != nil {
		cfg.UnknownRateBandLow = *m.UnknownRateBandLow
	}
	if m.UnknownRateBandHigh != nil {
		cfg.UnknownRateBandHigh = *m.UnknownRateBandHigh
	}
	if m.DebugColdStart != nil {
		cfg.DebugColdStart = *m.DebugColdStart
	}
}

// applyEnv reads each override from the environment: read, parse, fall
// back silently on absence or a malformed value.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VISION_LATENCY_BUDGET_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LatencyBudgetMs = n
		}
	}
	if v := os.Getenv("VISION_KB_JSON_PATH"); v != "" {
		cfg.KBJSONPath = v
	}
	if v := os.Getenv("VISION_AUTO_STRIDE"); v != "" {
		cfg.AutoStride = v == "1" || v == "true"
	}
	if v := os.Getenv("VISION_FRAME_STRIDE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FrameStride = n
		}
	}
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.LatencyBudgetMs != nil {
		cfg.LatencyBudgetMs = *ov.LatencyBudgetMs
	}
	if ov.KBJSONPath != nil {
		cfg.KBJSONPath = *ov.KBJSONPath
	}
	if ov.AutoStride != nil {
		cfg.AutoStride = *ov.AutoStride
	}
	if ov.FrameStride != nil {
		cfg.FrameStride = *ov.FrameStride
	}
}

// ConfigError reports an invalid configuration value or a precedence
// conflict. It maps to exit code 2.
type ConfigError struct {
	msg string
}

func NewConfigError(msg string) *ConfigError { return &ConfigError{msg: msg} }

func (e *ConfigError) Error() string { return "config error: " + e.msg }
