// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package model defines the telemetry data model shared by all fleetops
// components: per-node samples and fleet-wide rollups.
package model

import (
	"fmt"
	"time"
)

// HealthStatus classifies the health of a monitored node
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusCritical  HealthStatus = "critical"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusFailed    HealthStatus = "failed"
)

// Valid reports whether the status is one of the known values
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusCritical, StatusUnhealthy, StatusFailed:
		return true
	}
	return false
}

// Performance holds the per-node performance counters for one observation
type Performance struct {
	LatencyMs        float64 `json:"latencyMs"`
	ThroughputOpsSec float64 `json:"throughputOpsSec"`
	ErrorRatePct     float64 `json:"errorRatePct"`
	CPUPct           float64 `json:"cpuPct"`
	MemoryPct        float64 `json:"memoryPct"`
	DiskPct          float64 `json:"diskPct"`
	OperationsTotal  int64   `json:"operationsTotal"`
}

// Health holds node health state for one observation
type Health struct {
	Status          HealthStatus `json:"status"`
	AvailabilityPct float64      `json:"availabilityPct"`
	UptimeMs        int64        `json:"uptimeMs"`
}

// Utilization holds resource utilization percentages
type Utilization struct {
	OverallPct  float64            `json:"overallPct"`
	PerResource map[string]float64 `json:"perResource,omitempty"`
}

// Cost holds optional cost attribution for a node
type Cost struct {
	Hourly float64 `json:"hourly"`
	Daily  float64 `json:"daily"`
}

// Sample is one immutable performance+health+utilization record for one node
// at one instant. Samples are owned by the sample store once ingested.
type Sample struct {
	NodeID      string      `json:"nodeId"`
	Timestamp   time.Time   `json:"timestamp"`
	Performance Performance `json:"performance"`
	Health      Health      `json:"health"`
	Utilization Utilization `json:"utilization"`
	Cost        *Cost       `json:"cost,omitempty"`
}

// Validate checks the data-model invariants: percentages in [0,100],
// non-negative rates and counters, known health status.
func (s *Sample) Validate() error {
	if s.NodeID == "" {
		return fmt.Errorf("sample missing node id")
	}
	if !s.Health.Status.Valid() {
		return fmt.Errorf("sample for %s has unknown status %q", s.NodeID, s.Health.Status)
	}
	pcts := map[string]float64{
		"cpuPct":          s.Performance.CPUPct,
		"memoryPct":       s.Performance.MemoryPct,
		"diskPct":         s.Performance.DiskPct,
		"availabilityPct": s.Health.AvailabilityPct,
		"utilizationPct":  s.Utilization.OverallPct,
	}
	for name, v := range pcts {
		if v < 0 || v > 100 {
			return fmt.Errorf("sample for %s has %s=%.2f outside [0,100]", s.NodeID, name, v)
		}
	}
	if s.Performance.LatencyMs < 0 {
		return fmt.Errorf("sample for %s has negative latency", s.NodeID)
	}
	if s.Performance.ThroughputOpsSec < 0 {
		return fmt.Errorf("sample for %s has negative throughput", s.NodeID)
	}
	if s.Performance.ErrorRatePct < 0 || s.Performance.ErrorRatePct > 100 {
		return fmt.Errorf("sample for %s has errorRatePct=%.2f outside [0,100]", s.NodeID, s.Performance.ErrorRatePct)
	}
	if s.Performance.OperationsTotal < 0 {
		return fmt.Errorf("sample for %s has negative operations counter", s.NodeID)
	}
	if s.Health.UptimeMs < 0 {
		return fmt.Errorf("sample for %s has negative uptime", s.NodeID)
	}
	return nil
}

// FleetSnapshot is the cross-node rollup for one telemetry tick
type FleetSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	Total           int       `json:"total"`
	HealthyCount    int       `json:"healthyCount"`
	AverageLatency  float64   `json:"averageLatency"`
	TotalThroughput float64   `json:"totalThroughput"`
	AvailabilityPct float64   `json:"availabilityPct"`
	UtilizationPct  float64   `json:"utilizationPct"`
	HourlyCost      float64   `json:"hourlyCost"`
	Nodes           []string  `json:"nodes"`
}
