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

// detectAnomaly compares a sample against its node's established baseline.
// Deviation is the largest relative delta over the key performance fields.
func (a *Analyzer) detectAnomaly(s model.Sample) *Prediction {
	base, ok := a.learner.Baseline(s.NodeID)
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
	check("latency_deviation", s.Performance.LatencyMs, base.LatencyMs)
	check("throughput_deviation", s.Performance.ThroughputOpsSec, base.ThroughputOpsSec)
	check("error_rate_deviation", s.Performance.ErrorRatePct, base.ErrorRatePct)
	check("cpu_deviation", s.Performance.CPUPct, base.CPUPct)

	if deviation <= a.cfg.AnomalySensitivity {
		return nil
	}

	p := a.newPrediction(KindPerformanceAnomaly, s.NodeID, deviation, factors)
	if deviation > 0.8 {
		p.Severity = SeverityHigh
	} else {
		p.Severity = SeverityMedium
	}
	p.Timeframe = "immediate"
	p.Confidence = math.Min(0.95, 0.5+deviation/2)
	p.Recommendations = []Recommendation{{
		Priority:    p.Severity,
		Action:      "investigate deviation from learned baseline",
		Description: fmt.Sprintf("max deviation %.0f%% from baseline", deviation*100),
		EffectorTag: EffectorRestartServices,
	}}
	return &p
}

// detectDegradation evaluates independent monotonic trends over the trend
// window: rising latency, falling throughput, rising error rate.
func (a *Analyzer) detectDegradation(nodeID string) *Prediction {
	window := a.store.Recent(nodeID, a.cfg.TrendWindow)
	if len(window) < minTrendSamples {
		return nil
	}

	first := window[0].Performance
	last := window[len(window)-1].Performance

	score := 0.0
	factors := map[string]float64{}

	if c := relativeChange(first.LatencyMs, last.LatencyMs); c > trendDeadBand {
		score += 0.4
		factors["latency_rising"] = c
	}
	if c := relativeChange(first.ThroughputOpsSec, last.ThroughputOpsSec); c < -trendDeadBand {
		score += 0.4
		factors["throughput_falling"] = -c
	}
	if c := relativeChange(first.ErrorRatePct, last.ErrorRatePct); c > trendDeadBand {
		score += 0.2
		factors["error_rate_rising"] = c
	}

	if score*100 <= a.cfg.DegradationThresholdPct {
		return nil
	}

	p := a.newPrediction(KindPerformanceDegradation, nodeID, score, factors)
	switch {
	case score >= 0.6:
		p.Severity = SeverityHigh
	case score >= 0.4:
		p.Severity = SeverityMedium
	default:
		p.Severity = SeverityLow
	}
	p.Timeframe = "2 hours"
	p.Confidence = math.Min(0.9, 0.4+score/2)
	p.Recommendations = []Recommendation{{
		Priority:    p.Severity,
		Action:      "scale resources ahead of sustained decline",
		Description: "performance trending downward over the analysis window",
		EffectorTag: EffectorScaleResources,
	}}
	return &p
}
