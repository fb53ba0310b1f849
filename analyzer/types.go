// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package analyzer derives failure and degradation predictions from the
// sample history. Predictions are explicit weighted scores, not trained
// models.
package analyzer

import (
	"time"
)

// Kind tags what a prediction is about
type Kind string

const (
	KindNodeFailure            Kind = "node_failure"
	KindFleetFailure           Kind = "fleet_failure"
	KindPerformanceAnomaly     Kind = "performance_anomaly"
	KindPerformanceDegradation Kind = "performance_degradation"
	KindFleetAnomaly           Kind = "fleet_anomaly"
)

// Severity grades a prediction
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Effector tags name the remediation capability a recommendation points at
const (
	EffectorRestartNode       = "restart_node"
	EffectorRestartServices   = "restart_services"
	EffectorScaleResources    = "scale_resources"
	EffectorIsolateNode       = "isolate_node"
	EffectorRebalanceCluster  = "rebalance_cluster"
	EffectorPerformanceTuning = "performance_tuning"
	EffectorOptimizeResources = "optimize_resources"
	EffectorEmergencyScaling  = "emergency_scaling"
)

// Recommendation pairs a priority with an actionable effector tag
type Recommendation struct {
	Priority    Severity `json:"priority"`
	Action      string   `json:"action"`
	Description string   `json:"description"`
	EffectorTag string   `json:"effectorTag"`
}

// Prediction is a derived future-risk record. Entity is a node ID or "fleet".
type Prediction struct {
	ID              string             `json:"id"`
	Kind            Kind               `json:"kind"`
	Severity        Severity           `json:"severity"`
	Entity          string             `json:"entity"`
	Score           float64            `json:"score"`
	Factors         map[string]float64 `json:"factors"`
	Timeframe       string             `json:"timeframe"`
	Confidence      float64            `json:"confidence"`
	Recommendations []Recommendation   `json:"recommendations,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// severityForScore maps a risk score onto a severity tier
func severityForScore(score float64) Severity {
	switch {
	case score > 0.8:
		return SeverityCritical
	case score > 0.6:
		return SeverityHigh
	case score > 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// timeframeForScore maps a risk score onto a predicted timeframe
func timeframeForScore(score float64) string {
	switch {
	case score > 0.9:
		return "5 minutes"
	case score > 0.7:
		return "30 minutes"
	case score > 0.5:
		return "2 hours"
	default:
		return "6+ hours"
	}
}
