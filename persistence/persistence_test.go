// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/alerts"
	"fleetops/analyzer"
	"fleetops/baseline"
	"fleetops/healing"
	"fleetops/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestMissingFilesAreNotErrors(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.LoadSamples()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LoadBaselines()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LoadSummary()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSamplesRoundTrip(t *testing.T) {
	s := newStore(t)

	in := map[string][]model.Sample{
		"node-1": {
			{
				NodeID:    "node-1",
				Timestamp: time.Unix(1000, 0).UTC(),
				Performance: model.Performance{
					LatencyMs:        40,
					ThroughputOpsSec: 500,
					ErrorRatePct:     1,
				},
				Health: model.Health{Status: model.StatusHealthy, AvailabilityPct: 99.9},
			},
		},
	}
	require.NoError(t, s.SaveSamples(in))

	out, ok, err := s.LoadSamples()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, out["node-1"], 1)
	assert.Equal(t, in["node-1"][0].Performance.LatencyMs, out["node-1"][0].Performance.LatencyMs)
	assert.Equal(t, model.StatusHealthy, out["node-1"][0].Health.Status)
}

func TestBaselineRoundTrip(t *testing.T) {
	s := newStore(t)

	in := BaselineState{
		Learner: baseline.Snapshot{
			Nodes: map[string]baseline.Baseline{
				"node-1": {LatencyMs: 40, ThroughputOpsSec: 500, SampleCount: 20},
			},
		},
		BaselineThroughput: 2500,
		SavedAt:            time.Unix(1000, 0).UTC(),
	}
	require.NoError(t, s.SaveBaselines(in))

	out, ok, err := s.LoadBaselines()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2500.0, out.BaselineThroughput)
	assert.True(t, out.Learner.Nodes["node-1"].Established())
}

func TestPredictionsRoundTrip(t *testing.T) {
	s := newStore(t)

	in := []analyzer.Prediction{{
		ID:       "p1",
		Kind:     analyzer.KindNodeFailure,
		Severity: analyzer.SeverityCritical,
		Entity:   "node-1",
		Score:    0.85,
		Factors:  map[string]float64{"cpu_risk": 0.8},
	}}
	require.NoError(t, s.SavePredictions(in))

	out, ok, err := s.LoadPredictions()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, analyzer.KindNodeFailure, out[0].Kind)
	assert.Equal(t, 0.8, out[0].Factors["cpu_risk"])
}

func TestWorkflowsAndMetricsRoundTrip(t *testing.T) {
	s := newStore(t)

	history := []healing.Workflow{{
		ID:     "w1",
		Entity: "node-1",
		Action: "restart_node",
		Status: healing.StatusCompleted,
		Steps:  []healing.Step{{Name: "validate", Status: healing.StepCompleted}},
	}}
	require.NoError(t, s.SaveWorkflows(history))
	require.NoError(t, s.SaveHealingMetrics(healing.Metrics{Total: 3, Successful: 2, Failed: 1}))

	outH, ok, err := s.LoadWorkflows()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, outH, 1)
	assert.Equal(t, healing.StatusCompleted, outH[0].Status)

	outM, ok, err := s.LoadHealingMetrics()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, outM.Total)
}

func TestAlertsRoundTrip(t *testing.T) {
	s := newStore(t)

	in := []alerts.Alert{{
		ID:       "a1",
		Kind:     alerts.KindCPU,
		Entity:   "node-1",
		Severity: alerts.SeverityWarning,
		State:    alerts.StateFiring,
		Value:    85,
	}}
	require.NoError(t, s.SaveAlerts(in))

	out, ok, err := s.LoadAlerts()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, alerts.StateFiring, out[0].State)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveHealingMetrics(healing.Metrics{Total: 1}))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestCorruptFileErrors(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "predictions.json"), []byte("{not json"), 0o644))

	_, _, err := s.LoadPredictions()
	assert.Error(t, err)
}
