// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the planner's instruments.
//
// All instruments are created up front by NewMetrics so callers never
// check for nil.
type Metrics struct {
	// LinksApplied counts links submitted for execution, by bucket.
	LinksApplied metric.Int64Counter

	// BatchDuration is how long a submitted batch took, by bucket.
	BatchDuration metric.Float64Histogram

	// Verifications counts parent verifications, by bucket and outcome.
	Verifications metric.Int64Counter

	// VerifyDuration is the time spent in one verification.
	VerifyDuration metric.Float64Histogram

	// SeverityFolds counts links whose severity modifier was applied.
	SeverityFolds metric.Int64Counter

	// Cycles counts completed detection cycles.
	Cycles metric.Int64Counter

	// ProcessNodes counts nodes added to process trees, by host.
	ProcessNodes metric.Int64Counter
}

// NewMetrics creates the planner instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LinksApplied, err = meter.Int64Counter(
		"responder_links_applied_total",
		metric.WithDescription("Links submitted for execution"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create links_applied_total: %w", err)
	}

	m.BatchDuration, err = meter.Float64Histogram(
		"responder_batch_duration_seconds",
		metric.WithDescription("Duration of one submitted batch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_duration: %w", err)
	}

	m.Verifications, err = meter.Int64Counter(
		"responder_verifications_total",
		metric.WithDescription("Parent link verifications by outcome"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verifications_total: %w", err)
	}

	m.VerifyDuration, err = meter.Float64Histogram(
		"responder_verify_duration_seconds",
		metric.WithDescription("Duration of one parent verification"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1),
	)
	if err != nil {
		return nil, fmt.Errorf("create verify_duration: %w", err)
	}

	m.SeverityFolds, err = meter.Int64Counter(
		"responder_severity_folds_total",
		metric.WithDescription("Links folded into actor severity"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create severity_folds_total: %w", err)
	}

	m.Cycles, err = meter.Int64Counter(
		"responder_cycles_total",
		metric.WithDescription("Completed detection, hunt and response cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycles_total: %w", err)
	}

	m.ProcessNodes, err = meter.Int64Counter(
		"responder_process_nodes_total",
		metric.WithDescription("Process nodes added to host process trees"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create process_nodes_total: %w", err)
	}

	return m, nil
}
