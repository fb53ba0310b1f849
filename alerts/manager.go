// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetops/analyzer"
	"fleetops/bus"
	"fleetops/clock"
	"fleetops/config"
	"fleetops/errors"
	"fleetops/metrics"
	"fleetops/model"
)

const (
	ringCapacity = 1000
	// consecutive clean evaluations before an open alert auto-resolves
	recoveryEvaluations = 3
)

// Manager evaluates thresholds on telemetry and tracks alert lifecycle.
// Duplicate conditions within the dedup window keep the existing alert
// instead of firing a new one.
type Manager struct {
	thresholds        config.Thresholds
	dedupWindow       time.Duration
	escalationTimeout time.Duration

	bus     *bus.Bus
	topic   string
	metrics *metrics.ControlMetrics
	logger  *zap.Logger
	clock   clock.Clock

	mu        sync.RWMutex
	open      map[string]*Alert // dedupKey -> open alert
	byID      map[string]*Alert
	ring      []Alert
	recovered map[string]int // kind|entity -> consecutive clean evaluations
}

// New creates an alert manager publishing on the given topic
func New(cfg *config.Config, b *bus.Bus, m *metrics.ControlMetrics, log *zap.Logger, clk clock.Clock) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		thresholds:        cfg.Thresholds,
		dedupWindow:       cfg.DedupWindow(),
		escalationTimeout: cfg.EscalationTimeout(),
		bus:               b,
		topic:             cfg.Topics.Alerts,
		metrics:           m,
		logger:            log,
		clock:             clk,
		open:              make(map[string]*Alert),
		byID:              make(map[string]*Alert),
		recovered:         make(map[string]int),
	}
}

// Attach subscribes the manager to the telemetry and prediction topics
func (m *Manager) Attach(b *bus.Bus, nodeTopic, fleetTopic, predictionTopic string) {
	b.Subscribe(nodeTopic, func(msg *bus.Message) {
		if s, ok := msg.Payload.(model.Sample); ok {
			m.EvaluateSample(s)
		}
	})
	b.Subscribe(fleetTopic, func(msg *bus.Message) {
		if snap, ok := msg.Payload.(model.FleetSnapshot); ok {
			m.EvaluateFleet(snap)
		}
	})
	b.Subscribe(predictionTopic, func(msg *bus.Message) {
		if p, ok := msg.Payload.(analyzer.Prediction); ok {
			m.HandlePrediction(p)
		}
	})
}

// EvaluateSample checks one node sample against the metric thresholds
func (m *Manager) EvaluateSample(s model.Sample) {
	m.evaluateUpper(KindLatency, s.NodeID, s.Performance.LatencyMs, m.thresholds.Latency, "ms")
	m.evaluateUpper(KindCPU, s.NodeID, s.Performance.CPUPct, m.thresholds.CPU, "%")
	m.evaluateUpper(KindMemory, s.NodeID, s.Performance.MemoryPct, m.thresholds.Memory, "%")
	m.evaluateUpper(KindDisk, s.NodeID, s.Performance.DiskPct, m.thresholds.Disk, "%")
	m.evaluateUpper(KindErrorRate, s.NodeID, s.Performance.ErrorRatePct, m.thresholds.ErrorRate, "%")
}

// EvaluateFleet checks the fleet rollup. Availability alerts fire when the
// value drops below its thresholds.
func (m *Manager) EvaluateFleet(snap model.FleetSnapshot) {
	m.evaluateLower(KindAvailability, "fleet", snap.AvailabilityPct, m.thresholds.Availability, "%")
	m.evaluateUpper(KindCost, "fleet", snap.HourlyCost, m.thresholds.Cost, "$/h")
}

// HandlePrediction fires an alert for critical predictions so operators see
// them even when remediation is gated off.
func (m *Manager) HandlePrediction(p analyzer.Prediction) {
	if p.Severity != analyzer.SeverityCritical {
		return
	}
	m.fire(Alert{
		Kind:      KindPrediction,
		Entity:    p.Entity,
		Severity:  SeverityCritical,
		Title:     fmt.Sprintf("%s predicted for %s", p.Kind, p.Entity),
		Message:   fmt.Sprintf("score %.2f, expected within %s", p.Score, p.Timeframe),
		Value:     p.Score,
		Threshold: 0.8,
	})
}

func (m *Manager) evaluateUpper(kind Kind, entity string, value float64, t config.Threshold, unit string) {
	switch {
	case value > t.Critical:
		m.fireThreshold(kind, entity, SeverityCritical, value, t.Critical, unit)
	case value > t.Warning:
		m.fireThreshold(kind, entity, SeverityWarning, value, t.Warning, unit)
	default:
		m.observeRecovery(kind, entity)
	}
}

func (m *Manager) evaluateLower(kind Kind, entity string, value float64, t config.Threshold, unit string) {
	switch {
	case value < t.Critical:
		m.fireThreshold(kind, entity, SeverityCritical, value, t.Critical, unit)
	case value < t.Warning:
		m.fireThreshold(kind, entity, SeverityWarning, value, t.Warning, unit)
	default:
		m.observeRecovery(kind, entity)
	}
}

func (m *Manager) fireThreshold(kind Kind, entity string, sev Severity, value, threshold float64, unit string) {
	m.fire(Alert{
		Kind:      kind,
		Entity:    entity,
		Severity:  sev,
		Title:     fmt.Sprintf("%s %s threshold crossed on %s", kind, sev, entity),
		Message:   fmt.Sprintf("%s at %.1f%s (threshold %.1f%s)", kind, value, unit, threshold, unit),
		Value:     value,
		Threshold: threshold,
	})
}

// fire creates a new alert unless an open duplicate exists within the dedup
// window.
func (m *Manager) fire(a Alert) {
	now := m.clock.Now()

	m.mu.Lock()
	m.recovered[string(a.Kind)+"|"+a.Entity] = 0
	key := a.dedupKey()
	if existing, ok := m.open[key]; ok && now.Sub(existing.FiredAt) < m.dedupWindow {
		existing.Value = a.Value
		m.mu.Unlock()
		return
	}

	a.ID = uuid.NewString()
	a.State = StateFiring
	a.FiredAt = now
	stored := a
	m.open[key] = &stored
	m.byID[a.ID] = &stored
	m.appendRing(stored)
	m.mu.Unlock()

	m.metrics.RecordAlertFired(string(a.Severity))
	m.logger.Info("Alert fired",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("entity", a.Entity),
		zap.String("severity", string(a.Severity)),
		zap.Float64("value", a.Value),
	)
	m.bus.Publish(m.topic, stored)
}

// observeRecovery counts consecutive clean evaluations and auto-resolves the
// open alerts for the pair once enough accumulate.
func (m *Manager) observeRecovery(kind Kind, entity string) {
	key := string(kind) + "|" + entity

	m.mu.Lock()
	m.recovered[key]++
	if m.recovered[key] < recoveryEvaluations {
		m.mu.Unlock()
		return
	}
	m.recovered[key] = 0
	var resolved []Alert
	for dk, a := range m.open {
		if a.Kind == kind && a.Entity == entity {
			m.resolveLocked(a)
			resolved = append(resolved, *a)
			delete(m.open, dk)
		}
	}
	m.mu.Unlock()

	for _, a := range resolved {
		m.logger.Info("Alert auto-resolved",
			zap.String("id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("entity", a.Entity),
		)
		m.bus.Publish(m.topic, a)
	}
}

// Acknowledge marks an open alert as seen by the named operator. Repeated
// acknowledgments append; the first one moves the alert out of firing.
func (m *Manager) Acknowledge(id, user, note string) error {
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.CategoryPolicy, "alerts.Acknowledge", "no alert %s", id)
	}
	if a.State == StateResolved {
		m.mu.Unlock()
		return errors.Newf(errors.CategoryPolicy, "alerts.Acknowledge", "alert %s already resolved", id)
	}
	now := m.clock.Now()
	a.Acknowledgments = append(a.Acknowledgments, Acknowledgment{User: user, Timestamp: now, Note: note})
	if a.AckedAt == nil {
		a.AckedAt = &now
		a.State = StateAcknowledged
	}
	out := *a
	m.mu.Unlock()

	m.logger.Info("Alert acknowledged", zap.String("id", id), zap.String("user", user))
	m.bus.Publish(m.topic, out)
	return nil
}

// Resolve closes an alert. Resolving an already resolved alert is a no-op.
func (m *Manager) Resolve(id string) error {
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.CategoryPolicy, "alerts.Resolve", "no alert %s", id)
	}
	if a.State == StateResolved {
		m.mu.Unlock()
		return nil
	}
	m.resolveLocked(a)
	delete(m.open, a.dedupKey())
	out := *a
	m.mu.Unlock()

	m.logger.Info("Alert resolved", zap.String("id", id))
	m.bus.Publish(m.topic, out)
	return nil
}

func (m *Manager) resolveLocked(a *Alert) {
	now := m.clock.Now()
	a.State = StateResolved
	a.ResolvedAt = &now
}

// Escalate raises an open alert one severity tier and re-fires it
func (m *Manager) Escalate(id string) error {
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.CategoryPolicy, "alerts.Escalate", "no alert %s", id)
	}
	if a.State == StateResolved {
		m.mu.Unlock()
		return errors.Newf(errors.CategoryPolicy, "alerts.Escalate", "alert %s already resolved", id)
	}
	m.escalateLocked(a)
	out := *a
	m.mu.Unlock()

	m.metrics.RecordAlertFired(string(out.Severity))
	m.logger.Warn("Alert escalated", zap.String("id", id), zap.String("severity", string(out.Severity)))
	m.bus.Publish(m.topic, out)
	return nil
}

// escalateLocked bumps severity one tier. The dedup key includes severity,
// so the open-map entry is re-keyed.
func (m *Manager) escalateLocked(a *Alert) {
	if m.open[a.dedupKey()] == a {
		delete(m.open, a.dedupKey())
	}
	a.Severity = a.Severity.Escalated()
	if a.EscalatedAt == nil {
		now := m.clock.Now()
		a.EscalatedAt = &now
	}
	a.State = StateEscalated
	m.open[a.dedupKey()] = a
}

// Sweep auto-escalates firing alerts that stayed unacknowledged past the
// escalation timeout. The coordinator calls it on its watchdog tick.
func (m *Manager) Sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	var escalated []Alert
	for _, a := range m.open {
		if a.State == StateFiring && a.AckedAt == nil && now.Sub(a.FiredAt) > m.escalationTimeout {
			m.escalateLocked(a)
			escalated = append(escalated, *a)
		}
	}
	m.mu.Unlock()

	for _, a := range escalated {
		m.metrics.RecordAlertFired(string(a.Severity))
		m.logger.Warn("Alert auto-escalated after timeout",
			zap.String("id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.String("entity", a.Entity),
			zap.String("severity", string(a.Severity)),
		)
		m.bus.Publish(m.topic, a)
	}
}

// Get returns a copy of the alert with the given ID
func (m *Manager) Get(id string) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// Recent returns retained alerts matching the filter, oldest first. Ring
// entries reflect the live lifecycle state.
func (m *Manager) Recent(f Filter) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, a := range m.ring {
		if live, ok := m.byID[a.ID]; ok {
			a = *live
		}
		if f.matches(a) {
			out = append(out, a)
		}
	}
	return out
}

// Restore seeds the alert ring from persisted state. Open alerts resume
// lifecycle tracking.
func (m *Manager) Restore(alerts []Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		stored := a
		m.appendRing(stored)
		m.byID[a.ID] = &stored
		if stored.Open() {
			m.open[stored.dedupKey()] = &stored
		}
	}
}

func (m *Manager) appendRing(a Alert) {
	m.ring = append(m.ring, a)
	if len(m.ring) > ringCapacity {
		m.ring = m.ring[1:]
	}
}
