// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package analyzer

import (
	"fmt"
	"math"

	"fleetops/model"
)

// Fleet factor weights
const (
	weightAvailabilityTrend  = 0.30
	weightCorrelatedDecline  = 0.30
	weightCascadePressure    = 0.25
	weightResourceExhaustion = 0.15
)

// scoreFleetFailure evaluates fleet-wide failure pressure over the snapshot
// window and emits FleetFailure when the weighted score is strictly above 0.7.
func (a *Analyzer) scoreFleetFailure(window []model.FleetSnapshot) *Prediction {
	if len(window) < 2 {
		return nil
	}
	first := window[0]
	latest := window[len(window)-1]
	if latest.Total == 0 {
		return nil
	}

	factors := map[string]float64{
		"availability_trend":  availabilityTrendFactor(first, latest),
		"correlated_decline":  correlatedDeclineFactor(first, latest),
		"cascade_pressure":    cascadePressureFactor(latest),
		"resource_exhaustion": a.resourceExhaustionFactor(latest),
	}

	score := factors["availability_trend"]*weightAvailabilityTrend +
		factors["correlated_decline"]*weightCorrelatedDecline +
		factors["cascade_pressure"]*weightCascadePressure +
		factors["resource_exhaustion"]*weightResourceExhaustion

	if score <= 0.7 {
		return nil
	}

	p := a.newPrediction(KindFleetFailure, "fleet", score, factors)
	p.Confidence = math.Min(0.95, 0.5+score/2)
	p.Recommendations = []Recommendation{{
		Priority:    p.Severity,
		Action:      "scale out fleet capacity",
		Description: fmt.Sprintf("fleet failure pressure %.2f across %d nodes", score, latest.Total),
		EffectorTag: EffectorEmergencyScaling,
	}}
	return &p
}

// availabilityTrendFactor grades how fast fleet availability is falling
func availabilityTrendFactor(first, latest model.FleetSnapshot) float64 {
	if first.AvailabilityPct == 0 {
		return 0.1
	}
	drop := (first.AvailabilityPct - latest.AvailabilityPct) / first.AvailabilityPct
	switch {
	case drop > 0.05:
		return 0.9
	case drop > 0.02:
		return 0.7
	case drop > 0.005:
		return 0.4
	default:
		return 0.1
	}
}

// correlatedDeclineFactor flags latency rising while throughput falls
func correlatedDeclineFactor(first, latest model.FleetSnapshot) float64 {
	latencyRising := relativeChange(first.AverageLatency, latest.AverageLatency) > trendDeadBand
	throughputFalling := relativeChange(first.TotalThroughput, latest.TotalThroughput) < -trendDeadBand
	switch {
	case latencyRising && throughputFalling:
		return 0.9
	case latencyRising || throughputFalling:
		return 0.5
	default:
		return 0.2
	}
}

// cascadePressureFactor is the fraction of nodes not healthy
func cascadePressureFactor(latest model.FleetSnapshot) float64 {
	if latest.Total == 0 {
		return 0
	}
	return float64(latest.Total-latest.HealthyCount) / float64(latest.Total)
}

// resourceExhaustionFactor is the fraction of nodes with cpu or memory above 85%
func (a *Analyzer) resourceExhaustionFactor(latest model.FleetSnapshot) float64 {
	if latest.Total == 0 {
		return 0
	}
	exhausted := 0
	for _, id := range latest.Nodes {
		s, ok := a.store.Latest(id)
		if !ok {
			continue
		}
		if s.Performance.CPUPct > 85 || s.Performance.MemoryPct > 85 {
			exhausted++
		}
	}
	return float64(exhausted) / float64(latest.Total)
}

// detectFleetAnomaly compares the snapshot against the learned fleet baseline
func (a *Analyzer) detectFleetAnomaly(snap model.FleetSnapshot) *Prediction {
	base, ok := a.learner.Fleet()
	if !ok || !base.Established() {
		return nil
	}

	factors := map[string]float64{}
	deviation := 0.0
	check := func(name string, observed, baseline float64) {
		if baseline == 0 {
			return
		}
		d := math.Abs(observed-baseline) / baseline
		factors[name] = d
		if d > deviation {
			deviation = d
		}
	}
	check("latency_deviation", snap.AverageLatency, base.LatencyMs)
	check("throughput_deviation", snap.TotalThroughput, base.ThroughputOpsSec)

	if deviation <= a.cfg.AnomalySensitivity {
		return nil
	}

	p := a.newPrediction(KindFleetAnomaly, "fleet", deviation, factors)
	if deviation > 0.8 {
		p.Severity = SeverityHigh
	} else {
		p.Severity = SeverityMedium
	}
	p.Timeframe = "immediate"
	p.Confidence = math.Min(0.9, 0.4+deviation/2)
	p.Recommendations = []Recommendation{{
		Priority:    p.Severity,
		Action:      "rebalance load across the fleet",
		Description: fmt.Sprintf("fleet metrics deviate %.0f%% from baseline", deviation*100),
		EffectorTag: EffectorRebalanceCluster,
	}}
	return &p
}
