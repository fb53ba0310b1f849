// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetops/analyzer"
	"fleetops/bus"
	"fleetops/clock"
	"fleetops/config"
	"fleetops/model"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	cfg := config.Default()
	clk := clock.NewFake(time.Unix(10000, 0))
	b := bus.New(64, nil)
	t.Cleanup(b.Close)
	return New(cfg, b, nil, zap.NewNop(), clk), clk
}

func nodeSample(node string, cpu float64) model.Sample {
	return model.Sample{
		NodeID: node,
		Performance: model.Performance{
			LatencyMs:        40,
			ThroughputOpsSec: 500,
			ErrorRatePct:     1,
			CPUPct:           cpu,
			MemoryPct:        40,
			DiskPct:          50,
		},
		Health: model.Health{Status: model.StatusHealthy, AvailabilityPct: 99.9},
	}
}

func TestThresholdCrossingFiresAlert(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85)) // above warning, below critical

	open := m.Recent(Filter{State: StateFiring})
	require.Len(t, open, 1)
	assert.Equal(t, KindCPU, open[0].Kind)
	assert.Equal(t, SeverityWarning, open[0].Severity)
	assert.Equal(t, "node-1", open[0].Entity)
}

func TestCriticalThreshold(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 95))

	open := m.Recent(Filter{Kind: KindCPU})
	require.Len(t, open, 1)
	assert.Equal(t, SeverityCritical, open[0].Severity)
}

func TestDedupWithinWindow(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		m.EvaluateSample(nodeSample("node-1", 85))
	}
	assert.Len(t, m.Recent(Filter{Kind: KindCPU}), 1)
}

func TestNewAlertAfterDedupWindow(t *testing.T) {
	m, clk := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	clk.Advance(6 * time.Minute) // default dedup window is 5 minutes
	m.EvaluateSample(nodeSample("node-1", 85))

	alerts := m.Recent(Filter{Kind: KindCPU})
	require.Len(t, alerts, 2)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
}

func TestAcknowledgeAndResolveLifecycle(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	fired := m.Recent(Filter{})
	require.Len(t, fired, 1)
	id := fired[0].ID

	require.NoError(t, m.Acknowledge(id, "op", ""))
	a, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, a.State)
	assert.NotNil(t, a.AckedAt)

	require.NoError(t, m.Resolve(id))
	a, _ = m.Get(id)
	assert.Equal(t, StateResolved, a.State)
	assert.NotNil(t, a.ResolvedAt)
	assert.True(t, a.AckedAt.Before(*a.ResolvedAt) || a.AckedAt.Equal(*a.ResolvedAt))

	// Resolving again is a no-op, not an error.
	require.NoError(t, m.Resolve(id))

	// Acknowledging a resolved alert is an error.
	assert.Error(t, m.Acknowledge(id, "op", ""))
}

func TestAcknowledgmentsRecordUserAndNote(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	id := m.Recent(Filter{})[0].ID

	require.NoError(t, m.Acknowledge(id, "alice", "looking into it"))
	require.NoError(t, m.Acknowledge(id, "bob", ""))

	a, ok := m.Get(id)
	require.True(t, ok)
	require.Len(t, a.Acknowledgments, 2)
	assert.Equal(t, "alice", a.Acknowledgments[0].User)
	assert.Equal(t, "looking into it", a.Acknowledgments[0].Note)
	assert.Equal(t, "bob", a.Acknowledgments[1].User)
	assert.False(t, a.Acknowledgments[0].Timestamp.After(a.Acknowledgments[1].Timestamp))
	// The first acknowledgment moved the alert out of firing; later ones
	// only append.
	assert.Equal(t, StateAcknowledged, a.State)
}

func TestEscalateRaisesSeverityOneTier(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85)) // warning tier
	id := m.Recent(Filter{})[0].ID

	require.NoError(t, m.Escalate(id))
	a, _ := m.Get(id)
	assert.Equal(t, SeverityError, a.Severity)
	assert.Equal(t, StateEscalated, a.State)

	require.NoError(t, m.Escalate(id))
	a, _ = m.Get(id)
	assert.Equal(t, SeverityCritical, a.Severity)

	// Critical is the ceiling.
	require.NoError(t, m.Escalate(id))
	a, _ = m.Get(id)
	assert.Equal(t, SeverityCritical, a.Severity)
}

func TestUnknownAlertIDErrors(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.Acknowledge("nope", "op", ""))
	assert.Error(t, m.Resolve("nope"))
	assert.Error(t, m.Escalate("nope"))
}

func TestRecurrenceAfterResolveGetsNewID(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	first := m.Recent(Filter{})[0]
	require.NoError(t, m.Resolve(first.ID))

	// The condition recurs: a fresh alert with a fresh ID must fire even
	// inside the dedup window, since the previous one is resolved.
	m.EvaluateSample(nodeSample("node-1", 85))
	alerts := m.Recent(Filter{Kind: KindCPU})
	require.Len(t, alerts, 2)
	assert.NotEqual(t, first.ID, alerts[1].ID)
	assert.Equal(t, StateFiring, alerts[1].State)
}

func TestAutoResolveAfterRecovery(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	require.Len(t, m.Recent(Filter{State: StateFiring}), 1)

	// Two clean evaluations are not enough.
	m.EvaluateSample(nodeSample("node-1", 30))
	m.EvaluateSample(nodeSample("node-1", 30))
	assert.Len(t, m.Recent(Filter{State: StateFiring}), 1)

	// The third resolves it.
	m.EvaluateSample(nodeSample("node-1", 30))
	assert.Empty(t, m.Recent(Filter{State: StateFiring, Kind: KindCPU}))
	resolved := m.Recent(Filter{State: StateResolved, Kind: KindCPU})
	assert.Len(t, resolved, 1)
}

func TestEscalationSweep(t *testing.T) {
	m, clk := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	m.Sweep()
	assert.Empty(t, m.Recent(Filter{State: StateEscalated}))

	clk.Advance(16 * time.Minute) // default escalation timeout is 15 minutes
	m.Sweep()

	escalated := m.Recent(Filter{State: StateEscalated})
	require.Len(t, escalated, 1)
	assert.NotNil(t, escalated[0].EscalatedAt)
	assert.Equal(t, SeverityError, escalated[0].Severity)
}

func TestAcknowledgedAlertsNotAutoEscalated(t *testing.T) {
	m, clk := newTestManager(t)

	m.EvaluateSample(nodeSample("node-1", 85))
	id := m.Recent(Filter{})[0].ID
	require.NoError(t, m.Acknowledge(id, "op", ""))

	clk.Advance(16 * time.Minute)
	m.Sweep()
	assert.Empty(t, m.Recent(Filter{State: StateEscalated}))
}

func TestFleetAvailabilityLowerBound(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateFleet(model.FleetSnapshot{AvailabilityPct: 96, Total: 4})

	alerts := m.Recent(Filter{Kind: KindAvailability})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "fleet", alerts[0].Entity)

	m2, _ := newTestManager(t)
	m2.EvaluateFleet(model.FleetSnapshot{AvailabilityPct: 90, Total: 4})
	crit := m2.Recent(Filter{Kind: KindAvailability})
	require.Len(t, crit, 1)
	assert.Equal(t, SeverityCritical, crit[0].Severity)
}

func TestCostThreshold(t *testing.T) {
	m, _ := newTestManager(t)

	m.EvaluateFleet(model.FleetSnapshot{AvailabilityPct: 99.9, HourlyCost: 300, Total: 4})

	alerts := m.Recent(Filter{Kind: KindCost})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestCriticalPredictionFiresAlert(t *testing.T) {
	m, _ := newTestManager(t)

	m.HandlePrediction(analyzer.Prediction{
		ID:       "p1",
		Kind:     analyzer.KindNodeFailure,
		Severity: analyzer.SeverityCritical,
		Entity:   "node-1",
		Score:    0.9,
	})
	m.HandlePrediction(analyzer.Prediction{
		ID:       "p2",
		Kind:     analyzer.KindNodeFailure,
		Severity: analyzer.SeverityHigh,
		Entity:   "node-2",
		Score:    0.7,
	})

	alerts := m.Recent(Filter{Kind: KindPrediction})
	require.Len(t, alerts, 1)
	assert.Equal(t, "node-1", alerts[0].Entity)
}

func TestRestoreResumesLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	m.EvaluateSample(nodeSample("node-1", 85))
	ring := m.Recent(Filter{})

	m2, _ := newTestManager(t)
	m2.Restore(ring)

	restored := m2.Recent(Filter{})
	require.Len(t, restored, 1)
	require.NoError(t, m2.Acknowledge(restored[0].ID, "op", ""))
}
