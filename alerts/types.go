// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package alerts handles alert lifecycle: threshold evaluation, firing with
// deduplication, acknowledgement, resolution, and escalation.
package alerts

import "time"

// Kind names the metric or source an alert is about
type Kind string

const (
	KindLatency      Kind = "latency"
	KindCPU          Kind = "cpu"
	KindMemory       Kind = "memory"
	KindDisk         Kind = "disk"
	KindErrorRate    Kind = "error_rate"
	KindAvailability Kind = "availability"
	KindCost         Kind = "cost"
	KindPrediction   Kind = "prediction"
)

// Severity grades an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Escalated returns the next severity tier up; critical stays critical
func (s Severity) Escalated() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	case SeverityWarning:
		return SeverityError
	case SeverityError:
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// State is the lifecycle state of an alert
type State string

const (
	StateFiring       State = "firing"
	StateAcknowledged State = "acknowledged"
	StateEscalated    State = "escalated"
	StateResolved     State = "resolved"
)

// Acknowledgment records one operator seeing an alert
type Acknowledgment struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Alert is one lifecycle-tracked alert instance. Entity is a node ID or
// "fleet".
type Alert struct {
	ID              string           `json:"id"`
	Kind            Kind             `json:"kind"`
	Entity          string           `json:"entity"`
	Severity        Severity         `json:"severity"`
	State           State            `json:"state"`
	Title           string           `json:"title"`
	Message         string           `json:"message"`
	Value           float64          `json:"value"`
	Threshold       float64          `json:"threshold"`
	FiredAt         time.Time        `json:"firedAt"`
	AckedAt         *time.Time       `json:"ackedAt,omitempty"`
	EscalatedAt     *time.Time       `json:"escalatedAt,omitempty"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	Acknowledgments []Acknowledgment `json:"acknowledgments,omitempty"`
}

// Open reports whether the alert still needs attention
func (a *Alert) Open() bool { return a.State != StateResolved }

// dedupKey identifies "the same" alert for deduplication purposes
func (a *Alert) dedupKey() string {
	return string(a.Kind) + "|" + a.Entity + "|" + string(a.Severity)
}

// Filter narrows Recent queries; zero values match everything
type Filter struct {
	Entity   string
	Kind     Kind
	Severity Severity
	State    State
}

func (f Filter) matches(a Alert) bool {
	if f.Entity != "" && f.Entity != a.Entity {
		return false
	}
	if f.Kind != "" && f.Kind != a.Kind {
		return false
	}
	if f.Severity != "" && f.Severity != a.Severity {
		return false
	}
	if f.State != "" && f.State != a.State {
		return false
	}
	return true
}
