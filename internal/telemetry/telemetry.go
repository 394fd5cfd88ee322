// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry holds the process-wide Prometheus instruments. The API
// server exposes them on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SensorUpdates counts section writes per record section.
	SensorUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetstate_sensor_updates_total",
		Help: "Number of record section updates written by sensors.",
	}, []string{"section"})

	// SensorErrors counts collection and persist failures per section.
	SensorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetstate_sensor_errors_total",
		Help: "Number of sensor collection or persist failures.",
	}, []string{"section"})

	// Validations counts guardian validation runs per shard.
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetstate_validations_total",
		Help: "Number of record validations performed by guardian shards.",
	}, []string{"shard"})

	// Repairs counts guardian repair attempts per shard and outcome.
	Repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetstate_repairs_total",
		Help: "Number of record repairs attempted by guardian shards.",
	}, []string{"shard", "outcome"})
)
