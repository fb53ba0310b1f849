// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package baseline learns per-node reference vectors as exponential moving
// averages of the key performance fields.
package baseline

import (
	"sync"
	"time"

	"fleetops/model"
)

// DefaultAlpha is the EMA smoothing factor
const DefaultAlpha = 0.1

// establishedSamples is how many samples must fold in before a baseline is usable
const establishedSamples = 10

// Baseline is the moving-average reference vector for one node
type Baseline struct {
	LatencyMs        float64   `json:"latencyMs"`
	ThroughputOpsSec float64   `json:"throughputOpsSec"`
	ErrorRatePct     float64   `json:"errorRatePct"`
	CPUPct           float64   `json:"cpuPct"`
	MemoryPct        float64   `json:"memoryPct"`
	SampleCount      int       `json:"sampleCount"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Established reports whether enough samples have folded in
func (b Baseline) Established() bool { return b.SampleCount >= establishedSamples }

func (b *Baseline) fold(s model.Sample, alpha float64) {
	if b.SampleCount == 0 {
		b.LatencyMs = s.Performance.LatencyMs
		b.ThroughputOpsSec = s.Performance.ThroughputOpsSec
		b.ErrorRatePct = s.Performance.ErrorRatePct
		b.CPUPct = s.Performance.CPUPct
		b.MemoryPct = s.Performance.MemoryPct
	} else {
		b.LatencyMs = alpha*s.Performance.LatencyMs + (1-alpha)*b.LatencyMs
		b.ThroughputOpsSec = alpha*s.Performance.ThroughputOpsSec + (1-alpha)*b.ThroughputOpsSec
		b.ErrorRatePct = alpha*s.Performance.ErrorRatePct + (1-alpha)*b.ErrorRatePct
		b.CPUPct = alpha*s.Performance.CPUPct + (1-alpha)*b.CPUPct
		b.MemoryPct = alpha*s.Performance.MemoryPct + (1-alpha)*b.MemoryPct
	}
	b.SampleCount++
	b.UpdatedAt = s.Timestamp
}

// Learner owns the per-node baselines plus a single fleet baseline
type Learner struct {
	mu    sync.RWMutex
	alpha float64
	nodes map[string]*Baseline
	fleet *Baseline
}

// New creates a learner with the given smoothing factor (0 uses the default)
func New(alpha float64) *Learner {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &Learner{
		alpha: alpha,
		nodes: make(map[string]*Baseline),
	}
}

// Observe folds one sample into its node's baseline
func (l *Learner) Observe(s model.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.nodes[s.NodeID]
	if !ok {
		b = &Baseline{}
		l.nodes[s.NodeID] = b
	}
	b.fold(s, l.alpha)
}

// ObserveFleet folds one fleet snapshot into the fleet baseline
func (l *Learner) ObserveFleet(snap model.FleetSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fleet == nil {
		l.fleet = &Baseline{}
	}
	b := l.fleet
	if b.SampleCount == 0 {
		b.LatencyMs = snap.AverageLatency
		b.ThroughputOpsSec = snap.TotalThroughput
	} else {
		b.LatencyMs = l.alpha*snap.AverageLatency + (1-l.alpha)*b.LatencyMs
		b.ThroughputOpsSec = l.alpha*snap.TotalThroughput + (1-l.alpha)*b.ThroughputOpsSec
	}
	b.SampleCount++
	b.UpdatedAt = snap.Timestamp
}

// Baseline returns the baseline for a node and whether one exists
func (l *Learner) Baseline(nodeID string) (Baseline, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.nodes[nodeID]
	if !ok {
		return Baseline{}, false
	}
	return *b, true
}

// Fleet returns the fleet-level baseline and whether one exists
func (l *Learner) Fleet() (Baseline, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.fleet == nil {
		return Baseline{}, false
	}
	return *l.fleet, true
}

// Snapshot is the persisted form of the learner state
type Snapshot struct {
	Nodes map[string]Baseline `json:"nodes"`
	Fleet *Baseline           `json:"fleet,omitempty"`
}

// Export copies the established baselines for persistence
func (l *Learner) Export() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := Snapshot{Nodes: make(map[string]Baseline, len(l.nodes))}
	for id, b := range l.nodes {
		if b.Established() {
			out.Nodes[id] = *b
		}
	}
	if l.fleet != nil {
		f := *l.fleet
		out.Fleet = &f
	}
	return out
}

// Restore replaces learner state from a persisted snapshot
func (l *Learner) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nodes = make(map[string]*Baseline, len(snap.Nodes))
	for id, b := range snap.Nodes {
		cp := b
		l.nodes[id] = &cp
	}
	if snap.Fleet != nil {
		f := *snap.Fleet
		l.fleet = &f
	}
}
