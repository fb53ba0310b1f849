// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package baseline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/model"
)

func perfSample(node string, latency, throughput float64) model.Sample {
	return model.Sample{
		NodeID:    node,
		Timestamp: time.Unix(1000, 0),
		Performance: model.Performance{
			LatencyMs:        latency,
			ThroughputOpsSec: throughput,
			ErrorRatePct:     1,
			CPUPct:           30,
			MemoryPct:        40,
		},
	}
}

func TestFirstSampleSeedsBaseline(t *testing.T) {
	l := New(0.1)
	l.Observe(perfSample("node-1", 40, 500))

	b, ok := l.Baseline("node-1")
	require.True(t, ok)
	assert.Equal(t, 40.0, b.LatencyMs)
	assert.Equal(t, 500.0, b.ThroughputOpsSec)
	assert.Equal(t, 1, b.SampleCount)
	assert.False(t, b.Established())
}

func TestEMAFolding(t *testing.T) {
	l := New(0.1)
	l.Observe(perfSample("node-1", 100, 500))
	l.Observe(perfSample("node-1", 200, 500))

	b, _ := l.Baseline("node-1")
	// 0.1*200 + 0.9*100
	assert.InDelta(t, 110.0, b.LatencyMs, 1e-9)
}

func TestEstablishedAfterTenSamples(t *testing.T) {
	l := New(0.1)
	for i := 0; i < 9; i++ {
		l.Observe(perfSample("node-1", 40, 500))
	}
	b, _ := l.Baseline("node-1")
	assert.False(t, b.Established())

	l.Observe(perfSample("node-1", 40, 500))
	b, _ = l.Baseline("node-1")
	assert.True(t, b.Established())
}

func TestFleetBaseline(t *testing.T) {
	l := New(0.1)
	_, ok := l.Fleet()
	assert.False(t, ok)

	l.ObserveFleet(model.FleetSnapshot{AverageLatency: 50, TotalThroughput: 2000, Timestamp: time.Unix(1000, 0)})
	l.ObserveFleet(model.FleetSnapshot{AverageLatency: 60, TotalThroughput: 2000, Timestamp: time.Unix(1001, 0)})

	f, ok := l.Fleet()
	require.True(t, ok)
	assert.InDelta(t, 51.0, f.LatencyMs, 1e-9)
	assert.Equal(t, 2, f.SampleCount)
}

func TestExportOnlyEstablished(t *testing.T) {
	l := New(0.1)
	for i := 0; i < 10; i++ {
		l.Observe(perfSample("established", 40, 500))
	}
	l.Observe(perfSample("fresh", 40, 500))

	snap := l.Export()
	assert.Contains(t, snap.Nodes, "established")
	assert.NotContains(t, snap.Nodes, "fresh")
}

func TestRestoreRoundTrip(t *testing.T) {
	l := New(0.1)
	for i := 0; i < 12; i++ {
		l.Observe(perfSample("node-1", 40, 500))
	}
	l.ObserveFleet(model.FleetSnapshot{AverageLatency: 50, TotalThroughput: 2000})

	restored := New(0.1)
	restored.Restore(l.Export())

	b, ok := restored.Baseline("node-1")
	require.True(t, ok)
	assert.True(t, b.Established())
	f, ok := restored.Fleet()
	require.True(t, ok)
	assert.Equal(t, 50.0, f.LatencyMs)
}

func TestInvalidAlphaUsesDefault(t *testing.T) {
	l := New(5)
	assert.Equal(t, DefaultAlpha, l.alpha)
}
