// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the configuration keys and defaults read from the
// host engine's global/job configuration by the QoS manager subsystem.
package config

import "time"

// Configuration keys as read from the engine's global/job configuration.
const (
	KeyTaggingInterval     = "plugins.streaming.qosreporter.tagginginterval"
	KeyAggregationInterval = "plugins.streaming.qosreporter.aggregationinterval"
	KeyAdjustmentInterval  = "plugins.streaming.qosmanager.adjustmentinterval"
	KeyViolationThreshold  = "plugins.streaming.qosmanager.violationthreshold"
)

// Defaults mirror StreamTaskManagerPlugin's defaults in the original
// Nephele-streaming source.
const (
	// DefaultTaggingInterval is the number of records between tag emissions.
	DefaultTaggingInterval = 7

	// DefaultAggregationInterval is the period, in milliseconds, over which
	// a forwarder batches samples before shipping a report.
	DefaultAggregationInterval = 1000 * time.Millisecond

	// DefaultAdjustmentInterval governs the per-constraint logger's
	// windowing, in milliseconds.
	DefaultAdjustmentInterval = 1000 * time.Millisecond

	// DefaultViolationThreshold is the fraction of a constraint's budget
	// that |sum-budget| must exceed before a violation is reported.
	DefaultViolationThreshold = 0.05
)

// Source reads typed configuration values, insulating the rest of the
// package from the host engine's configuration representation.
type Source interface {
	GetDuration(key string, def time.Duration) time.Duration
	GetInt(key string, def int) int
	GetFloat(key string, def float64) float64
}

// Defaults is a Source that always returns the provided default; it models
// an engine configuration with none of the QoS keys set.
type Defaults struct{}

// GetDuration implements Source.
func (Defaults) GetDuration(_ string, def time.Duration) time.Duration { return def }

// GetInt implements Source.
func (Defaults) GetInt(_ string, def int) int { return def }

// GetFloat implements Source.
func (Defaults) GetFloat(_ string, def float64) float64 { return def }

// ReporterConfig is the subset of configuration a report forwarder needs.
type ReporterConfig struct {
	TaggingInterval     int
	AggregationInterval time.Duration
}

// ManagerConfig is the subset of configuration a QoS manager needs.
type ManagerConfig struct {
	AdjustmentInterval time.Duration
	ViolationThreshold float64
	// StalenessWindow is how far behind now a QoS record's last sample may
	// be before it is treated as missing (spec.md's "aggregation window").
	// It tracks the producers' aggregation interval, since a record cannot
	// be fresher than the interval at which its reporter ships samples.
	StalenessWindow time.Duration
}

// ReporterConfigFrom reads reporter configuration from src, falling back to
// the package defaults for any key src does not override.
func ReporterConfigFrom(src Source) ReporterConfig {
	if src == nil {
		src = Defaults{}
	}
	return ReporterConfig{
		TaggingInterval:     src.GetInt(KeyTaggingInterval, DefaultTaggingInterval),
		AggregationInterval: src.GetDuration(KeyAggregationInterval, DefaultAggregationInterval),
	}
}

// ManagerConfigFrom reads manager configuration from src, falling back to
// the package defaults for any key src does not override.
func ManagerConfigFrom(src Source) ManagerConfig {
	if src == nil {
		src = Defaults{}
	}
	return ManagerConfig{
		AdjustmentInterval: src.GetDuration(KeyAdjustmentInterval, DefaultAdjustmentInterval),
		ViolationThreshold: src.GetFloat(KeyViolationThreshold, DefaultViolationThreshold),
		StalenessWindow:    src.GetDuration(KeyAggregationInterval, DefaultAggregationInterval),
	}
}
