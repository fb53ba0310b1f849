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

// Factor weights for node failure risk. They sum to 1.0 so the weighted sum
// is already normalized.
var riskWeights = map[string]float64{
	"latency_risk":     0.15,
	"latency_trend":    0.10,
	"error_rate_risk":  0.20,
	"cpu_risk":         0.15,
	"memory_risk":      0.15,
	"disk_risk":        0.10,
	"health_risk":      0.10,
	"variability_risk": 0.05,
}

// scoreNodeFailure computes the weighted failure risk for a node once enough
// history exists. Emission requires risk strictly above the threshold.
func (a *Analyzer) scoreNodeFailure(s model.Sample) *Prediction {
	window := a.store.Recent(s.NodeID, a.cfg.FailureLookback)
	if len(window) < a.cfg.FailureLookback {
		return nil
	}

	factors := map[string]float64{
		"latency_risk":     latencyRisk(s.Performance.LatencyMs),
		"latency_trend":    latencyTrendRisk(window),
		"error_rate_risk":  errorRateRisk(s.Performance.ErrorRatePct),
		"cpu_risk":         cpuRisk(s.Performance.CPUPct),
		"memory_risk":      memoryRisk(s.Performance.MemoryPct),
		"disk_risk":        diskRisk(s.Performance.DiskPct),
		"health_risk":      healthRisk(s.Health.Status),
		"variability_risk": variabilityRisk(window),
	}

	var weighted, weightSum float64
	for name, f := range factors {
		w := riskWeights[name]
		weighted += w * f
		weightSum += w
	}
	risk := weighted / weightSum

	if risk <= a.cfg.FailureThreshold {
		return nil
	}

	p := a.newPrediction(KindNodeFailure, s.NodeID, risk, factors)
	p.Confidence = math.Min(0.95, 0.5+risk/2)
	p.Recommendations = riskRecommendations(s)
	return &p
}

func latencyRisk(latencyMs float64) float64 {
	switch {
	case latencyMs > 150:
		return 0.8
	case latencyMs > 100:
		return 0.6
	default:
		return 0.3
	}
}

// latencyTrendRisk flags a first-to-last latency increase above 5% over the window
func latencyTrendRisk(window []model.Sample) float64 {
	if len(window) < 2 {
		return 0.2
	}
	first := window[0].Performance.LatencyMs
	last := window[len(window)-1].Performance.LatencyMs
	if relativeChange(first, last) > trendDeadBand {
		return 0.7
	}
	return 0.2
}

func errorRateRisk(errorPct float64) float64 {
	switch {
	case errorPct > 10:
		return 0.9
	case errorPct > 5:
		return 0.7
	default:
		return 0.4
	}
}

func cpuRisk(cpuPct float64) float64 {
	switch {
	case cpuPct > 90:
		return 0.8
	case cpuPct > 80:
		return 0.6
	default:
		return 0.3
	}
}

func memoryRisk(memPct float64) float64 {
	switch {
	case memPct > 90:
		return 0.8
	case memPct > 80:
		return 0.6
	default:
		return 0.3
	}
}

func diskRisk(diskPct float64) float64 {
	switch {
	case diskPct > 95:
		return 0.9
	case diskPct > 85:
		return 0.7
	default:
		return 0.4
	}
}

func healthRisk(status model.HealthStatus) float64 {
	switch status {
	case model.StatusHealthy:
		return 0.1
	case model.StatusDegraded:
		return 0.6
	default:
		return 0.9
	}
}

// variabilityRisk flags high latency variance across the window
func variabilityRisk(window []model.Sample) float64 {
	if len(window) < 2 {
		return 0.3
	}
	var sum float64
	for _, s := range window {
		sum += s.Performance.LatencyMs
	}
	mean := sum / float64(len(window))

	var sq float64
	for _, s := range window {
		d := s.Performance.LatencyMs - mean
		sq += d * d
	}
	variance := sq / float64(len(window)-1)
	if variance > 1000 {
		return 0.7
	}
	return 0.3
}

// riskRecommendations derives actionable recommendations from whichever
// factors crossed their actionable thresholds.
func riskRecommendations(s model.Sample) []Recommendation {
	var recs []Recommendation
	perf := s.Performance

	if perf.LatencyMs > 100 {
		recs = append(recs, Recommendation{
			Priority:    prioAbove(perf.LatencyMs, 150),
			Action:      "tune node performance",
			Description: fmt.Sprintf("latency %.0fms exceeds acceptable bounds", perf.LatencyMs),
			EffectorTag: EffectorPerformanceTuning,
		})
	}
	if perf.ErrorRatePct > 5 {
		recs = append(recs, Recommendation{
			Priority:    prioAbove(perf.ErrorRatePct, 10),
			Action:      "restart degraded services",
			Description: fmt.Sprintf("error rate %.1f%% indicates failing services", perf.ErrorRatePct),
			EffectorTag: EffectorRestartServices,
		})
	}
	if perf.CPUPct > 80 {
		recs = append(recs, Recommendation{
			Priority:    prioAbove(perf.CPUPct, 90),
			Action:      "scale cpu allocation",
			Description: fmt.Sprintf("cpu at %.0f%%", perf.CPUPct),
			EffectorTag: EffectorScaleResources,
		})
	}
	if perf.MemoryPct > 80 {
		recs = append(recs, Recommendation{
			Priority:    prioAbove(perf.MemoryPct, 90),
			Action:      "scale memory allocation",
			Description: fmt.Sprintf("memory at %.0f%%", perf.MemoryPct),
			EffectorTag: EffectorScaleResources,
		})
	}
	if perf.DiskPct > 85 {
		recs = append(recs, Recommendation{
			Priority:    prioAbove(perf.DiskPct, 95),
			Action:      "reclaim disk capacity",
			Description: fmt.Sprintf("disk at %.0f%%", perf.DiskPct),
			EffectorTag: EffectorOptimizeResources,
		})
	}
	return recs
}

func prioAbove(value, criticalAt float64) Severity {
	if value > criticalAt {
		return SeverityCritical
	}
	return SeverityHigh
}
