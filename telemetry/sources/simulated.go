// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package sources contains the sample source adapters fed to the telemetry
// engine: a Kubernetes adapter for production and a deterministic simulated
// fleet for tests and demos.
package sources

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"fleetops/clock"
	"fleetops/model"
)

// NodeProfile describes the steady-state behavior of one simulated node
type NodeProfile struct {
	NodeID          string
	LatencyMs       float64
	ThroughputOps   float64
	ErrorRatePct    float64
	CPUPct          float64
	MemoryPct       float64
	DiskPct         float64
	AvailabilityPct float64
	Status          model.HealthStatus
	HourlyCost      float64
	Jitter          float64 // relative noise applied to performance fields
}

// SimulatedFleet is a deterministic SampleSource driven by per-node profiles.
// Profiles can be swapped at runtime to script degradation scenarios.
type SimulatedFleet struct {
	mu       sync.RWMutex
	profiles map[string]NodeProfile
	rng      *rand.Rand
	clock    clock.Clock
	started  time.Time
	ops      map[string]int64
}

// NewSimulatedFleet creates a simulated fleet with a fixed RNG seed
func NewSimulatedFleet(seed int64, clk clock.Clock, profiles ...NodeProfile) *SimulatedFleet {
	if clk == nil {
		clk = clock.Real()
	}
	f := &SimulatedFleet{
		profiles: make(map[string]NodeProfile, len(profiles)),
		rng:      rand.New(rand.NewSource(seed)),
		clock:    clk,
		started:  clk.Now(),
		ops:      make(map[string]int64),
	}
	for _, p := range profiles {
		f.profiles[p.NodeID] = p
	}
	return f
}

// HealthyProfile returns a nominal profile for the given node
func HealthyProfile(nodeID string) NodeProfile {
	return NodeProfile{
		NodeID:          nodeID,
		LatencyMs:       40,
		ThroughputOps:   500,
		ErrorRatePct:    1,
		CPUPct:          30,
		MemoryPct:       40,
		DiskPct:         50,
		AvailabilityPct: 99.9,
		Status:          model.StatusHealthy,
		HourlyCost:      1.2,
		Jitter:          0.02,
	}
}

// SetProfile replaces or adds a node profile
func (f *SimulatedFleet) SetProfile(p NodeProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.NodeID] = p
}

// RemoveNode drops a node from the simulation
func (f *SimulatedFleet) RemoveNode(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, nodeID)
}

func (f *SimulatedFleet) Name() string { return "simulated-fleet" }

// Collect produces one sample per profiled node
func (f *SimulatedFleet) Collect(_ context.Context) ([]model.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	out := make([]model.Sample, 0, len(f.profiles))
	for _, p := range f.profiles {
		f.ops[p.NodeID] += int64(p.ThroughputOps)
		cost := model.Cost{Hourly: p.HourlyCost, Daily: p.HourlyCost * 24}
		s := model.Sample{
			NodeID:    p.NodeID,
			Timestamp: now,
			Performance: model.Performance{
				LatencyMs:        f.jitter(p.LatencyMs, p.Jitter),
				ThroughputOpsSec: f.jitter(p.ThroughputOps, p.Jitter),
				ErrorRatePct:     clampPct(f.jitter(p.ErrorRatePct, p.Jitter)),
				CPUPct:           clampPct(f.jitter(p.CPUPct, p.Jitter)),
				MemoryPct:        clampPct(f.jitter(p.MemoryPct, p.Jitter)),
				DiskPct:          clampPct(p.DiskPct),
				OperationsTotal:  f.ops[p.NodeID],
			},
			Health: model.Health{
				Status:          p.Status,
				AvailabilityPct: clampPct(p.AvailabilityPct),
				UptimeMs:        now.Sub(f.started).Milliseconds(),
			},
			Utilization: model.Utilization{
				OverallPct: clampPct((p.CPUPct + p.MemoryPct + p.DiskPct) / 3),
				PerResource: map[string]float64{
					"cpu":    clampPct(p.CPUPct),
					"memory": clampPct(p.MemoryPct),
					"disk":   clampPct(p.DiskPct),
				},
			},
			Cost: &cost,
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *SimulatedFleet) jitter(v, factor float64) float64 {
	if factor <= 0 || v == 0 {
		return v
	}
	noise := (f.rng.Float64()*2 - 1) * factor * v
	if v+noise < 0 {
		return 0
	}
	return v + noise
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
