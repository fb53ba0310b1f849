// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package healing turns predictions into remediation workflows. Each workflow
// runs a fixed step sequence against an Effector under a watchdog timeout,
// gated by per-action cooldown and retry policies.
package healing

import (
	"context"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusTimeout   WorkflowStatus = "timeout"
	StatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is a final state
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the state of one workflow step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one unit of a workflow's step sequence
type Step struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Workflow is one remediation run against a single entity
type Workflow struct {
	ID        string         `json:"id"`
	Entity    string         `json:"entity"`
	Action    string         `json:"action"`
	Policy    string         `json:"policy"`
	Priority  string         `json:"priority"`
	Trigger   string         `json:"trigger"` // prediction ID that caused it
	Status    WorkflowStatus `json:"status"`
	Steps     []Step         `json:"steps"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime,omitempty"`
	Timeout   time.Duration  `json:"timeout"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Duration returns the wall time the workflow ran for
func (w *Workflow) Duration() time.Duration {
	if w.EndTime.IsZero() {
		return 0
	}
	return w.EndTime.Sub(w.StartTime)
}

// Effector executes individual remediation steps against the managed fleet.
// Implementations must honor ctx cancellation.
type Effector interface {
	// Execute runs one named step of the given action against the entity.
	Execute(ctx context.Context, entity, action, step string) error
}

// Metrics summarizes orchestrator activity for status reporting
type Metrics struct {
	Total         int           `json:"total"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	AverageRunFor time.Duration `json:"averageRunFor"`
}
