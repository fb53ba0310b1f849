// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics holds the Prometheus instrumentation for the control plane.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ControlMetrics holds all Prometheus metrics for the control plane
type ControlMetrics struct {
	// Telemetry metrics
	SamplesIngestedTotal prometheus.Counter
	SamplesRejectedTotal prometheus.Counter
	SourceErrorsTotal    *prometheus.CounterVec
	FleetNodesTotal      prometheus.Gauge
	FleetHealthyNodes    prometheus.Gauge
	FleetAvailability    prometheus.Gauge
	ImprovementRatio     prometheus.Gauge

	// Analyzer metrics
	PredictionsTotal *prometheus.CounterVec

	// Healing metrics
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration prometheus.Histogram
	PolicyBlocked    prometheus.Counter

	// Alert metrics
	AlertsFiredTotal *prometheus.CounterVec

	// Bus metrics
	BusDroppedTotal  prometheus.Counter
	BridgeReconnects prometheus.Counter

	registry *prometheus.Registry
}

var (
	instance *ControlMetrics
	once     sync.Once
)

// New creates and registers the control-plane metrics on a fresh registry
func New() *ControlMetrics {
	once.Do(func() {
		instance = build()
	})
	return instance
}

func build() *ControlMetrics {
	reg := prometheus.NewRegistry()
	m := &ControlMetrics{registry: reg}

	m.SamplesIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetops_samples_ingested_total",
		Help: "Total samples accepted by the sample store",
	})
	m.SamplesRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetops_samples_rejected_total",
		Help: "Total samples rejected for invariant violations",
	})
	m.SourceErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetops_source_errors_total",
		Help: "Collection errors by sample source",
	}, []string{"source"})
	m.FleetNodesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetops_fleet_nodes_total",
		Help: "Nodes contributing to the latest fleet snapshot",
	})
	m.FleetHealthyNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetops_fleet_healthy_nodes",
		Help: "Healthy nodes in the latest fleet snapshot",
	})
	m.FleetAvailability = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetops_fleet_availability_percent",
		Help: "Average fleet availability percentage",
	})
	m.ImprovementRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetops_improvement_ratio",
		Help: "Current throughput divided by captured baseline throughput",
	})
	m.PredictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetops_predictions_total",
		Help: "Predictions emitted by kind and severity",
	}, []string{"kind", "severity"})
	m.WorkflowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetops_healing_workflows_total",
		Help: "Healing workflows reaching a terminal state, by outcome",
	}, []string{"outcome"})
	m.WorkflowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetops_healing_workflow_duration_seconds",
		Help:    "Duration of healing workflows",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.PolicyBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetops_healing_policy_blocked_total",
		Help: "Healing requests refused by the cooldown/retry gate",
	})
	m.AlertsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetops_alerts_fired_total",
		Help: "Alerts fired by severity",
	}, []string{"severity"})
	m.BusDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetops_bus_dropped_total",
		Help: "Bus messages dropped under subscriber backpressure",
	})
	m.BridgeReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetops_bridge_reconnects_total",
		Help: "External broker reconnect attempts",
	})

	reg.MustRegister(
		m.SamplesIngestedTotal, m.SamplesRejectedTotal, m.SourceErrorsTotal,
		m.FleetNodesTotal, m.FleetHealthyNodes, m.FleetAvailability, m.ImprovementRatio,
		m.PredictionsTotal, m.WorkflowsTotal, m.WorkflowDuration, m.PolicyBlocked,
		m.AlertsFiredTotal, m.BusDroppedTotal, m.BridgeReconnects,
	)
	return m
}

// Handler returns the scrape handler for the metrics registry
func (m *ControlMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint on the given port
func (m *ControlMetrics) Serve(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// The recording helpers below are nil-safe so components can run unmetered
// in tests.

func (m *ControlMetrics) RecordSampleIngested() {
	if m != nil {
		m.SamplesIngestedTotal.Inc()
	}
}

func (m *ControlMetrics) RecordSampleRejected() {
	if m != nil {
		m.SamplesRejectedTotal.Inc()
	}
}

func (m *ControlMetrics) RecordSourceError(source string) {
	if m != nil {
		m.SourceErrorsTotal.WithLabelValues(source).Inc()
	}
}

func (m *ControlMetrics) RecordFleet(total, healthy int, availability float64) {
	if m != nil {
		m.FleetNodesTotal.Set(float64(total))
		m.FleetHealthyNodes.Set(float64(healthy))
		m.FleetAvailability.Set(availability)
	}
}

func (m *ControlMetrics) RecordImprovement(ratio float64) {
	if m != nil {
		m.ImprovementRatio.Set(ratio)
	}
}

func (m *ControlMetrics) RecordPrediction(kind, severity string) {
	if m != nil {
		m.PredictionsTotal.WithLabelValues(kind, severity).Inc()
	}
}

func (m *ControlMetrics) RecordWorkflow(outcome string, duration time.Duration) {
	if m != nil {
		m.WorkflowsTotal.WithLabelValues(outcome).Inc()
		m.WorkflowDuration.Observe(duration.Seconds())
	}
}

func (m *ControlMetrics) RecordPolicyBlocked() {
	if m != nil {
		m.PolicyBlocked.Inc()
	}
}

func (m *ControlMetrics) RecordAlertFired(severity string) {
	if m != nil {
		m.AlertsFiredTotal.WithLabelValues(severity).Inc()
	}
}

func (m *ControlMetrics) RecordBusDropped() {
	if m != nil {
		m.BusDroppedTotal.Inc()
	}
}

func (m *ControlMetrics) RecordBridgeReconnect() {
	if m != nil {
		m.BridgeReconnects.Inc()
	}
}
