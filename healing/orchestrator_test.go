// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package healing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/analyzer"
	"fleetops/bus"
	"fleetops/config"
)

func newTestOrchestrator(t *testing.T, eff Effector) (*Orchestrator, *config.Config) {
	t.Helper()
	cfg := config.Default()
	b := bus.New(64, nil)
	t.Cleanup(b.Close)
	o := New(cfg, b, eff, nil, nil)
	t.Cleanup(o.Stop)
	return o, cfg
}

func waitForHistory(t *testing.T, o *Orchestrator, n int) []Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h := o.History(); len(h) >= n {
			return h
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished workflows (have %d)", n, len(o.History()))
	return nil
}

func criticalPrediction(entity string) analyzer.Prediction {
	return analyzer.Prediction{
		ID:         "pred-1",
		Kind:       analyzer.KindNodeFailure,
		Severity:   analyzer.SeverityCritical,
		Entity:     entity,
		Score:      0.9,
		Confidence: 0.9,
	}
}

func TestCriticalNodeFailureRunsRestartSequence(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	o, _ := newTestOrchestrator(t, eff)

	o.HandlePrediction(criticalPrediction("node-1"))
	history := waitForHistory(t, o, 1)

	w := history[0]
	assert.Equal(t, "restart_node", w.Action)
	assert.Equal(t, StatusCompleted, w.Status)
	assert.Equal(t, "node-1", w.Entity)

	var names []string
	for _, s := range w.Steps {
		assert.Equal(t, StepCompleted, s.Status)
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"validate", "drain_traffic", "restart", "verify_health", "restore_traffic"}, names)

	m := o.Metrics()
	assert.Equal(t, 1, m.Total)
	assert.Equal(t, 1, m.Successful)
}

func TestConfidenceFloorIsStrict(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	o, _ := newTestOrchestrator(t, eff)

	p := criticalPrediction("node-1")
	p.Confidence = 0.6 // exactly at the floor must not trigger
	o.HandlePrediction(p)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, o.History())
	assert.Empty(t, o.Active())
}

func TestUnknownStrategySkipped(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	o, _ := newTestOrchestrator(t, eff)

	p := criticalPrediction("node-1")
	p.Kind = analyzer.KindPerformanceAnomaly
	p.Severity = analyzer.SeverityLow
	o.HandlePrediction(p)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, o.History())
}

func TestCooldownBlocksRepeatedHealing(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	cfg := config.Default()
	b := bus.New(64, nil)
	t.Cleanup(b.Close)

	blocked := make(chan Event, 4)
	b.Subscribe(cfg.Topics.HealingWorkflows, func(msg *bus.Message) {
		if ev, ok := msg.Payload.(Event); ok && ev.Phase == "blocked" {
			blocked <- ev
		}
	})

	o := New(cfg, b, eff, nil, nil)
	t.Cleanup(o.Stop)

	o.HandlePrediction(criticalPrediction("node-1"))
	waitForHistory(t, o, 1)

	// Same prediction again inside the node_restart cooldown window.
	o.HandlePrediction(criticalPrediction("node-1"))

	select {
	case ev := <-blocked:
		assert.Equal(t, "cooldown active", ev.Reason)
		assert.Equal(t, "node-1", ev.Workflow.Entity)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a blocked event")
	}
	assert.Len(t, o.History(), 1)
}

func TestCooldownIsPerEntity(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	o, _ := newTestOrchestrator(t, eff)

	o.HandlePrediction(criticalPrediction("node-1"))
	o.HandlePrediction(criticalPrediction("node-2"))

	history := waitForHistory(t, o, 2)
	entities := map[string]bool{}
	for _, w := range history {
		entities[w.Entity] = true
	}
	assert.True(t, entities["node-1"])
	assert.True(t, entities["node-2"])
}

func TestDuplicateActiveWorkflowNotStarted(t *testing.T) {
	eff := NewSimulatedEffector(0)
	eff.HangStep("drain_traffic")
	cfg := config.Default()
	// Disable the cooldown so only active-workflow dedup applies.
	pol := cfg.Policies[config.PolicyNodeRestart]
	pol.CooldownMs = 0
	cfg.Policies[config.PolicyNodeRestart] = pol

	b := bus.New(64, nil)
	t.Cleanup(b.Close)
	o := New(cfg, b, eff, nil, nil)

	o.HandlePrediction(criticalPrediction("node-1"))
	deadline := time.Now().Add(2 * time.Second)
	for len(o.Active()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, o.Active(), 1)

	o.HandlePrediction(criticalPrediction("node-1"))
	assert.Len(t, o.Active(), 1)

	o.Stop()
	assert.Empty(t, o.Active())
}

func TestStepFailureFailsWorkflowAndSkipsRest(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	eff.FailStep("restart", nil)
	o, cfg := newTestOrchestrator(t, eff)

	// Avoid long retry loops in the test.
	pol := cfg.Policies[config.PolicyNodeRestart]
	pol.MaxRetries = 0
	cfg.Policies[config.PolicyNodeRestart] = pol

	o.HandlePrediction(criticalPrediction("node-1"))
	history := waitForHistory(t, o, 1)

	w := history[0]
	assert.Equal(t, StatusFailed, w.Status)
	assert.NotEmpty(t, w.Error)

	byName := map[string]StepStatus{}
	for _, s := range w.Steps {
		byName[s.Name] = s.Status
	}
	assert.Equal(t, StepCompleted, byName["validate"])
	assert.Equal(t, StepFailed, byName["restart"])
	assert.Equal(t, StepSkipped, byName["verify_health"])
	assert.Equal(t, StepSkipped, byName["restore_traffic"])

	m := o.Metrics()
	assert.Equal(t, 1, m.Failed)
}

func TestWatchdogTimeout(t *testing.T) {
	eff := NewSimulatedEffector(0)
	eff.HangStep("execute_scaling")
	cfg := config.Default()
	b := bus.New(64, nil)
	t.Cleanup(b.Close)
	o := New(cfg, b, eff, nil, nil)
	t.Cleanup(o.Stop)

	// FleetFailure/High rows take too long to time out in a test, so drive
	// the strategy directly with a short timeout.
	strat, ok := StrategyFor(analyzer.KindFleetFailure, analyzer.SeverityCritical)
	require.True(t, ok)
	strat.Timeout = 50 * time.Millisecond
	o.start("fleet", "critical", "pred-1", strat)

	history := waitForHistory(t, o, 1)
	assert.Equal(t, StatusTimeout, history[0].Status)
	assert.Equal(t, 1, o.Metrics().Failed)
}

func TestManualRequest(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	o, _ := newTestOrchestrator(t, eff)

	o.HandleRequest(Request{Entity: "node-9", Action: "restart_services"})
	history := waitForHistory(t, o, 1)

	w := history[0]
	assert.Equal(t, "restart_services", w.Action)
	assert.Equal(t, "manual", w.Trigger)
	assert.Equal(t, StatusCompleted, w.Status)
}

func TestHistoryRingBounded(t *testing.T) {
	o, _ := newTestOrchestrator(t, NewSimulatedEffector(0))

	seed := make([]Workflow, historyCapacity+10)
	for i := range seed {
		seed[i] = Workflow{ID: "w", Status: StatusCompleted}
	}
	o.Restore(seed, Metrics{Total: len(seed), Successful: len(seed)})

	assert.Len(t, o.History(), historyCapacity)
	assert.Equal(t, historyCapacity+10, o.Metrics().Total)
}

func TestStrategyTableCoverage(t *testing.T) {
	cases := []struct {
		kind     analyzer.Kind
		severity analyzer.Severity
		action   string
	}{
		{analyzer.KindNodeFailure, analyzer.SeverityCritical, "restart_node"},
		{analyzer.KindNodeFailure, analyzer.SeverityHigh, "restart_services"},
		{analyzer.KindNodeFailure, analyzer.SeverityMedium, "scale_resources"},
		{analyzer.KindFleetFailure, analyzer.SeverityCritical, "emergency_scaling"},
		{analyzer.KindFleetFailure, analyzer.SeverityHigh, "isolate_affected_nodes"},
		{analyzer.KindPerformanceAnomaly, analyzer.SeverityHigh, "restart_services"},
		{analyzer.KindPerformanceAnomaly, analyzer.SeverityMedium, "optimize_resources"},
		{analyzer.KindPerformanceDegradation, analyzer.SeverityHigh, "scale_resources"},
		{analyzer.KindPerformanceDegradation, analyzer.SeverityMedium, "performance_tuning"},
		{analyzer.KindFleetAnomaly, analyzer.SeverityHigh, "rebalance_cluster"},
	}
	for _, tc := range cases {
		s, ok := StrategyFor(tc.kind, tc.severity)
		require.True(t, ok, "missing strategy for %s/%s", tc.kind, tc.severity)
		assert.Equal(t, tc.action, s.Action)
		assert.NotEmpty(t, s.Steps)
		assert.Greater(t, s.Timeout, time.Duration(0))
	}

	_, ok := StrategyFor(analyzer.KindNodeFailure, analyzer.SeverityLow)
	assert.False(t, ok)
}

func TestStepSequencesMatchActionTable(t *testing.T) {
	expect := map[string][]string{
		"restart_node":           {"validate", "drain_traffic", "restart", "verify_health", "restore_traffic"},
		"restart_services":       {"identify_services", "restart_each", "verify_each"},
		"scale_resources":        {"analyze_usage", "compute_plan", "execute_scaling", "verify_scaling"},
		"emergency_scaling":      {"assess_fleet", "execute_scaling", "verify_stability"},
		"isolate_affected_nodes": {"identify_nodes", "isolate_each", "rebalance_fleet"},
		"performance_tuning":     {"analyze", "apply_optimizations", "verify_improvement"},
		"optimize_resources":     {"audit_allocation", "apply_optimizations", "verify_optimization"},
	}
	for action, steps := range expect {
		s, ok := strategyForAction(action)
		require.True(t, ok, "no strategy row carries action %s", action)
		assert.Equal(t, steps, s.Steps, action)
	}
}

func TestManualRequestForTuningActions(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	o, _ := newTestOrchestrator(t, eff)

	o.HandleRequest(Request{Entity: "node-4", Action: "performance_tuning"})
	o.HandleRequest(Request{Entity: "node-5", Action: "optimize_resources"})

	history := waitForHistory(t, o, 2)
	actions := map[string]bool{}
	for _, w := range history {
		assert.Equal(t, StatusCompleted, w.Status)
		actions[w.Action] = true
	}
	assert.True(t, actions["performance_tuning"])
	assert.True(t, actions["optimize_resources"])
}

func TestHealingResumesAfterCooldown(t *testing.T) {
	eff := NewSimulatedEffector(time.Millisecond)
	eff.FailStep("validate", nil)
	cfg := config.Default()
	pol := cfg.Policies[config.PolicyNodeRestart]
	pol.CooldownMs = 300
	pol.MaxRetries = 0
	pol.FailureThreshold = 3
	cfg.Policies[config.PolicyNodeRestart] = pol

	b := bus.New(64, nil)
	t.Cleanup(b.Close)

	blocked := make(chan Event, 4)
	b.Subscribe(cfg.Topics.HealingWorkflows, func(msg *bus.Message) {
		if ev, ok := msg.Payload.(Event); ok && ev.Phase == "blocked" {
			blocked <- ev
		}
	})

	o := New(cfg, b, eff, nil, nil)
	t.Cleanup(o.Stop)

	// Three consecutive failed workflows, each started after the previous
	// cooldown window has passed.
	for i := 1; i <= 3; i++ {
		o.HandlePrediction(criticalPrediction("node-1"))
		waitForHistory(t, o, i)
		if i < 3 {
			time.Sleep(350 * time.Millisecond)
		}
	}

	// Inside the window after the third failure the pair is gated off with
	// the failure-cap reason.
	time.Sleep(50 * time.Millisecond)
	o.HandlePrediction(criticalPrediction("node-1"))
	select {
	case ev := <-blocked:
		assert.Equal(t, "consecutive failure threshold reached", ev.Reason)
		assert.Equal(t, "node-1", ev.Workflow.Entity)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a blocked event inside the cooldown window")
	}
	require.Len(t, o.History(), 3)

	// Once the cooldown elapses the next prediction starts a fresh workflow.
	time.Sleep(350 * time.Millisecond)
	eff.ClearStep("validate")
	o.HandlePrediction(criticalPrediction("node-1"))

	history := waitForHistory(t, o, 4)
	assert.Equal(t, StatusCompleted, history[3].Status)
}
