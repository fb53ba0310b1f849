// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/clock"
	"fleetops/model"
)

func TestCollectProducesValidSamples(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fleet := NewSimulatedFleet(7, clk, HealthyProfile("node-1"), HealthyProfile("node-2"))

	clk.Advance(time.Second)
	samples, err := fleet.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	for _, s := range samples {
		assert.NoError(t, s.Validate())
		assert.Equal(t, clk.Now(), s.Timestamp)
		assert.InDelta(t, 40, s.Performance.LatencyMs, 2)
		assert.NotNil(t, s.Cost)
	}
}

func TestOperationsCounterAccumulates(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fleet := NewSimulatedFleet(7, clk, HealthyProfile("node-1"))

	first, err := fleet.Collect(context.Background())
	require.NoError(t, err)
	second, err := fleet.Collect(context.Background())
	require.NoError(t, err)

	assert.Greater(t, second[0].Performance.OperationsTotal, first[0].Performance.OperationsTotal)
}

func TestProfileSwapScriptsDegradation(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fleet := NewSimulatedFleet(7, clk, HealthyProfile("node-1"))

	sick := HealthyProfile("node-1")
	sick.LatencyMs = 300
	sick.ErrorRatePct = 12
	sick.Status = model.StatusDegraded
	sick.Jitter = 0
	fleet.SetProfile(sick)

	samples, err := fleet.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 300.0, samples[0].Performance.LatencyMs)
	assert.Equal(t, model.StatusDegraded, samples[0].Health.Status)
}

func TestRemoveNode(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	fleet := NewSimulatedFleet(7, clk, HealthyProfile("node-1"), HealthyProfile("node-2"))

	fleet.RemoveNode("node-2")
	samples, err := fleet.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "node-1", samples[0].NodeID)
}

func TestJitterIsDeterministicPerSeed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	a := NewSimulatedFleet(42, clk, HealthyProfile("node-1"))
	b := NewSimulatedFleet(42, clk, HealthyProfile("node-1"))

	sa, err := a.Collect(context.Background())
	require.NoError(t, err)
	sb, err := b.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sa[0].Performance.LatencyMs, sb[0].Performance.LatencyMs)
}
