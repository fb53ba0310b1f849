// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package analyzer

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetops/baseline"
	"fleetops/bus"
	"fleetops/clock"
	"fleetops/logger"
	"fleetops/metrics"
	"fleetops/model"
	"fleetops/samplestore"
)

const (
	predictionRingCapacity = 1000
	fleetWindowCapacity    = 60
	// minimum samples before trend evaluation makes sense
	minTrendSamples = 10
	// relative change below this counts as stable
	trendDeadBand = 0.05
)

// Config holds the analyzer model settings
type Config struct {
	FailureLookback         int     // samples required before risk scoring
	FailureThreshold        float64 // emit NodeFailure when risk strictly above
	AnomalySensitivity      float64 // relative deviation to emit at
	TrendWindow             int     // samples for degradation trends
	DegradationThresholdPct float64
	EmitCooldown            time.Duration // per (entity, kind) re-emission guard
}

// DefaultConfig returns the analyzer defaults
func DefaultConfig() Config {
	return Config{
		FailureLookback:         30,
		FailureThreshold:        0.7,
		AnomalySensitivity:      0.5,
		TrendWindow:             300,
		DegradationThresholdPct: 15,
		EmitCooldown:            30 * time.Second,
	}
}

// Analyzer evaluates risk, anomaly, and degradation rules on every telemetry
// update and publishes predictions on the bus.
type Analyzer struct {
	cfg     Config
	store   *samplestore.Store
	learner *baseline.Learner
	bus     *bus.Bus
	topic   string
	metrics *metrics.ControlMetrics
	clock   clock.Clock

	mu          sync.RWMutex
	predictions []Prediction
	fleetWindow []model.FleetSnapshot
	lastEmit    map[string]time.Time // entity|kind -> last emission
}

// New creates an analyzer reading from the given store and learner
func New(cfg Config, store *samplestore.Store, learner *baseline.Learner, b *bus.Bus, topic string, m *metrics.ControlMetrics, clk clock.Clock) *Analyzer {
	if cfg.FailureLookback <= 0 {
		cfg.FailureLookback = 30
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 300
	}
	if cfg.AnomalySensitivity <= 0 {
		cfg.AnomalySensitivity = 0.5
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Analyzer{
		cfg:      cfg,
		store:    store,
		learner:  learner,
		bus:      b,
		topic:    topic,
		metrics:  m,
		clock:    clk,
		lastEmit: make(map[string]time.Time),
	}
}

// Attach subscribes the analyzer to the telemetry topics
func (a *Analyzer) Attach(b *bus.Bus, nodeTopic, fleetTopic string) {
	b.Subscribe(nodeTopic, func(msg *bus.Message) {
		if s, ok := msg.Payload.(model.Sample); ok {
			a.HandleNodeSample(s)
		}
	})
	b.Subscribe(fleetTopic, func(msg *bus.Message) {
		if snap, ok := msg.Payload.(model.FleetSnapshot); ok {
			a.HandleFleetSnapshot(snap)
		}
	})
}

// HandleNodeSample runs the per-node rules in order: failure risk, baseline
// anomaly, trend degradation.
func (a *Analyzer) HandleNodeSample(s model.Sample) {
	if p := a.scoreNodeFailure(s); p != nil {
		a.emit(*p)
	}
	if p := a.detectAnomaly(s); p != nil {
		a.emit(*p)
	}
	if p := a.detectDegradation(s.NodeID); p != nil {
		a.emit(*p)
	}
}

// HandleFleetSnapshot runs the fleet-level rules
func (a *Analyzer) HandleFleetSnapshot(snap model.FleetSnapshot) {
	a.mu.Lock()
	a.fleetWindow = append(a.fleetWindow, snap)
	if len(a.fleetWindow) > fleetWindowCapacity {
		a.fleetWindow = a.fleetWindow[1:]
	}
	window := make([]model.FleetSnapshot, len(a.fleetWindow))
	copy(window, a.fleetWindow)
	a.mu.Unlock()

	if p := a.scoreFleetFailure(window); p != nil {
		a.emit(*p)
	}
	if p := a.detectFleetAnomaly(snap); p != nil {
		a.emit(*p)
	}
}

// emit records a prediction and publishes it, unless the same (entity, kind)
// fired within the cooldown window.
func (a *Analyzer) emit(p Prediction) {
	key := p.Entity + "|" + string(p.Kind)
	now := a.clock.Now()

	a.mu.Lock()
	if last, ok := a.lastEmit[key]; ok && a.cfg.EmitCooldown > 0 && now.Sub(last) < a.cfg.EmitCooldown {
		a.mu.Unlock()
		return
	}
	a.lastEmit[key] = now
	a.predictions = append(a.predictions, p)
	if len(a.predictions) > predictionRingCapacity {
		a.predictions = a.predictions[1:]
	}
	a.mu.Unlock()

	a.metrics.RecordPrediction(string(p.Kind), string(p.Severity))
	logger.Info("prediction %s for %s: score=%.2f severity=%s", p.Kind, p.Entity, p.Score, p.Severity)
	a.bus.Publish(a.topic, p)
}

// Recent returns the retained predictions, oldest first
func (a *Analyzer) Recent() []Prediction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Prediction, len(a.predictions))
	copy(out, a.predictions)
	return out
}

// Restore seeds the prediction ring from persisted state
func (a *Analyzer) Restore(preds []Prediction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.predictions = append([]Prediction(nil), preds...)
	if len(a.predictions) > predictionRingCapacity {
		a.predictions = a.predictions[len(a.predictions)-predictionRingCapacity:]
	}
}

func (a *Analyzer) newPrediction(kind Kind, entity string, score float64, factors map[string]float64) Prediction {
	return Prediction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severityForScore(score),
		Entity:    entity,
		Score:     score,
		Factors:   factors,
		Timeframe: timeframeForScore(score),
		Timestamp: a.clock.Now(),
	}
}

// relativeChange is the first-to-last change of v, guarded against zero bases
func relativeChange(first, last float64) float64 {
	if first == 0 {
		if last == 0 {
			return 0
		}
		return 1
	}
	return (last - first) / math.Abs(first)
}
