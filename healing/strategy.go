// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package healing

import (
	"time"

	"fleetops/analyzer"
	"fleetops/config"
)

// Strategy binds a prediction class to a remediation action, its policy,
// step sequence, and watchdog timeout.
type Strategy struct {
	Action  string
	Policy  string
	Steps   []string
	Timeout time.Duration
}

type strategyKey struct {
	kind     analyzer.Kind
	severity analyzer.Severity
}

// strategyTable maps (kind, severity) to the remediation to run. Predictions
// with no row are logged and skipped.
var strategyTable = map[strategyKey]Strategy{
	{analyzer.KindNodeFailure, analyzer.SeverityCritical}: {
		Action:  "restart_node",
		Policy:  config.PolicyNodeRestart,
		Steps:   []string{"validate", "drain_traffic", "restart", "verify_health", "restore_traffic"},
		Timeout: 120 * time.Second,
	},
	{analyzer.KindNodeFailure, analyzer.SeverityHigh}: {
		Action:  "restart_services",
		Policy:  config.PolicyServiceRestart,
		Steps:   []string{"identify_services", "restart_each", "verify_each"},
		Timeout: 30 * time.Second,
	},
	{analyzer.KindNodeFailure, analyzer.SeverityMedium}: {
		Action:  "scale_resources",
		Policy:  config.PolicyResourceScaling,
		Steps:   []string{"analyze_usage", "compute_plan", "execute_scaling", "verify_scaling"},
		Timeout: 300 * time.Second,
	},
	{analyzer.KindFleetFailure, analyzer.SeverityCritical}: {
		Action:  "emergency_scaling",
		Policy:  config.PolicyResourceScaling,
		Steps:   []string{"assess_fleet", "execute_scaling", "verify_stability"},
		Timeout: 300 * time.Second,
	},
	{analyzer.KindFleetFailure, analyzer.SeverityHigh}: {
		Action:  "isolate_affected_nodes",
		Policy:  config.PolicyNodeIsolation,
		Steps:   []string{"identify_nodes", "isolate_each", "rebalance_fleet"},
		Timeout: 60 * time.Second,
	},
	{analyzer.KindPerformanceAnomaly, analyzer.SeverityHigh}: {
		Action:  "restart_services",
		Policy:  config.PolicyServiceRestart,
		Steps:   []string{"identify_services", "restart_each", "verify_each"},
		Timeout: 30 * time.Second,
	},
	{analyzer.KindPerformanceAnomaly, analyzer.SeverityMedium}: {
		Action:  "optimize_resources",
		Policy:  config.PolicyResourceScaling,
		Steps:   []string{"audit_allocation", "apply_optimizations", "verify_optimization"},
		Timeout: 120 * time.Second,
	},
	{analyzer.KindPerformanceDegradation, analyzer.SeverityHigh}: {
		Action:  "scale_resources",
		Policy:  config.PolicyResourceScaling,
		Steps:   []string{"analyze_usage", "compute_plan", "execute_scaling", "verify_scaling"},
		Timeout: 300 * time.Second,
	},
	{analyzer.KindPerformanceDegradation, analyzer.SeverityMedium}: {
		Action:  "performance_tuning",
		Policy:  config.PolicyResourceScaling,
		Steps:   []string{"analyze", "apply_optimizations", "verify_improvement"},
		Timeout: 120 * time.Second,
	},
	{analyzer.KindFleetAnomaly, analyzer.SeverityHigh}: {
		Action:  "rebalance_cluster",
		Policy:  config.PolicyClusterRebalancing,
		Steps:   []string{"snapshot_distribution", "plan_rebalance", "migrate_load", "verify_balance"},
		Timeout: 300 * time.Second,
	},
}

// StrategyFor returns the remediation strategy for a prediction class
func StrategyFor(kind analyzer.Kind, severity analyzer.Severity) (Strategy, bool) {
	s, ok := strategyTable[strategyKey{kind, severity}]
	return s, ok
}
