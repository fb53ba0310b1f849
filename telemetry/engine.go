// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package telemetry drives periodic sampling: it fans out to the registered
// sample sources, feeds the sample store and baseline learner, derives the
// fleet snapshot, and publishes both on the bus.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fleetops/baseline"
	"fleetops/bus"
	"fleetops/clock"
	"fleetops/logger"
	"fleetops/metrics"
	"fleetops/model"
	"fleetops/samplestore"
)

// SampleSource is any collaborator that can produce samples for a tick.
// Production adapters query real infrastructure; test adapters are
// deterministic generators.
type SampleSource interface {
	Name() string
	Collect(ctx context.Context) ([]model.Sample, error)
}

// Improvement is the payload published on the improvement topic
type Improvement struct {
	BaselineThroughput float64   `json:"baselineThroughput"`
	CurrentThroughput  float64   `json:"currentThroughput"`
	Ratio              float64   `json:"ratio"`
	Timestamp          time.Time `json:"timestamp"`
}

// Config configures the telemetry engine
type Config struct {
	Interval     time.Duration
	StallTicks   int // ticks without data before a source is considered stalled
	NodeTopic    string
	FleetTopic   string
	ImproveTopic string
}

// Engine orchestrates sources, store, learner, and rollups
type Engine struct {
	cfg     Config
	store   *samplestore.Store
	learner *baseline.Learner
	bus     *bus.Bus
	metrics *metrics.ControlMetrics
	clock   clock.Clock

	mu       sync.Mutex
	sources  []SampleSource
	stall    map[string]int // consecutive empty collections per source
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastTick time.Time

	baselineMu         sync.RWMutex
	baselineThroughput float64
	lastSnapshot       *model.FleetSnapshot
}

// NewEngine creates a telemetry engine
func NewEngine(cfg Config, store *samplestore.Store, learner *baseline.Learner, b *bus.Bus, m *metrics.ControlMetrics, clk clock.Clock) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.StallTicks <= 0 {
		cfg.StallTicks = 5
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		learner: learner,
		bus:     b,
		metrics: m,
		clock:   clk,
		stall:   make(map[string]int),
		stopCh:  make(chan struct{}),
	}
}

// AddSource registers a sample source; sources must be registered before Start
func (e *Engine) AddSource(src SampleSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, src)
	logger.Info("telemetry source registered: %s", src.Name())
}

// SetBaselineThroughput seeds the improvement baseline from persisted state.
// A persisted baseline wins over first-aggregate capture.
func (e *Engine) SetBaselineThroughput(v float64) {
	e.baselineMu.Lock()
	defer e.baselineMu.Unlock()
	if v > 0 {
		e.baselineThroughput = v
	}
}

// Start begins the sampling loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("telemetry engine already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go e.loop(ctx)

	logger.Info("telemetry engine started (interval %s, %d sources)", e.cfg.Interval, len(e.sources))
	return nil
}

// Stop halts the sampling loop
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	logger.Info("telemetry engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick performs one sampling round. Exported so tests and the coordinator's
// fake clock can drive the engine deterministically.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	sources := make([]SampleSource, len(e.sources))
	copy(sources, e.sources)
	e.mu.Unlock()

	var wg sync.WaitGroup
	results := make([][]model.Sample, len(sources))
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src SampleSource) {
			defer wg.Done()
			samples, err := src.Collect(ctx)
			if err != nil {
				e.metrics.RecordSourceError(src.Name())
				logger.Warn("source %s collection failed: %v", src.Name(), err)
				return
			}
			results[i] = samples
		}(i, src)
	}
	wg.Wait()

	now := e.clock.Now()
	collected := 0
	for i, samples := range results {
		name := sources[i].Name()
		if len(samples) == 0 {
			e.mu.Lock()
			e.stall[name]++
			if e.stall[name] == e.cfg.StallTicks {
				logger.Warn("source %s stalled: no samples for %d ticks", name, e.cfg.StallTicks)
			}
			e.mu.Unlock()
			continue
		}
		e.mu.Lock()
		e.stall[name] = 0
		e.mu.Unlock()

		for _, s := range samples {
			if err := e.store.Ingest(s); err != nil {
				e.metrics.RecordSampleRejected()
				logger.Error("sample dropped: %v", err)
				continue
			}
			e.metrics.RecordSampleIngested()
			e.learner.Observe(s)
			e.bus.Publish(e.cfg.NodeTopic, s)
			collected++
		}
	}

	// Fleet snapshot is published strictly after every per-node update of
	// this tick.
	snap := e.aggregate(now)
	e.learner.ObserveFleet(snap)
	e.metrics.RecordFleet(snap.Total, snap.HealthyCount, snap.AvailabilityPct)
	e.bus.Publish(e.cfg.FleetTopic, snap)

	e.publishImprovement(snap)

	e.mu.Lock()
	e.lastTick = now
	e.mu.Unlock()

	if collected == 0 {
		logger.Debug("telemetry tick produced no samples")
	}
}

// aggregate derives the fleet snapshot from the latest sample per node.
// Nodes whose latest sample is older than one tick are excluded.
func (e *Engine) aggregate(now time.Time) model.FleetSnapshot {
	latest := e.store.AllLatest()
	staleness := e.cfg.Interval * 2

	snap := model.FleetSnapshot{Timestamp: now}
	var latencySum, utilSum, availSum float64
	for id, s := range latest {
		if now.Sub(s.Timestamp) > staleness {
			continue
		}
		snap.Total++
		snap.Nodes = append(snap.Nodes, id)
		if s.Health.Status == model.StatusHealthy {
			snap.HealthyCount++
		}
		latencySum += s.Performance.LatencyMs
		snap.TotalThroughput += s.Performance.ThroughputOpsSec
		utilSum += s.Utilization.OverallPct
		availSum += s.Health.AvailabilityPct
		if s.Cost != nil {
			snap.HourlyCost += s.Cost.Hourly
		}
	}
	if snap.Total > 0 {
		snap.AverageLatency = latencySum / float64(snap.Total)
		snap.UtilizationPct = utilSum / float64(snap.Total)
		snap.AvailabilityPct = availSum / float64(snap.Total)
	}

	e.baselineMu.Lock()
	e.lastSnapshot = &snap
	e.baselineMu.Unlock()
	return snap
}

// publishImprovement captures the baseline on the first successful aggregate
// (unless one was restored) and reports current/baseline throughput.
func (e *Engine) publishImprovement(snap model.FleetSnapshot) {
	if snap.Total == 0 {
		return
	}

	e.baselineMu.Lock()
	if e.baselineThroughput == 0 && snap.TotalThroughput > 0 {
		e.baselineThroughput = snap.TotalThroughput
		logger.Info("throughput baseline captured: %.2f ops/s", e.baselineThroughput)
	}
	base := e.baselineThroughput
	e.baselineMu.Unlock()

	if base == 0 {
		return
	}
	ratio := snap.TotalThroughput / base
	e.metrics.RecordImprovement(ratio)
	e.bus.Publish(e.cfg.ImproveTopic, Improvement{
		BaselineThroughput: base,
		CurrentThroughput:  snap.TotalThroughput,
		Ratio:              ratio,
		Timestamp:          snap.Timestamp,
	})
}

// LastSnapshot returns the most recent fleet snapshot
func (e *Engine) LastSnapshot() (model.FleetSnapshot, bool) {
	e.baselineMu.RLock()
	defer e.baselineMu.RUnlock()
	if e.lastSnapshot == nil {
		return model.FleetSnapshot{}, false
	}
	return *e.lastSnapshot, true
}

// ImprovementMetrics returns baseline throughput, current throughput, and ratio
func (e *Engine) ImprovementMetrics() Improvement {
	e.baselineMu.RLock()
	defer e.baselineMu.RUnlock()

	out := Improvement{BaselineThroughput: e.baselineThroughput, Timestamp: e.clock.Now()}
	if e.lastSnapshot != nil {
		out.CurrentThroughput = e.lastSnapshot.TotalThroughput
	}
	if out.BaselineThroughput > 0 {
		out.Ratio = out.CurrentThroughput / out.BaselineThroughput
	}
	return out
}

// BaselineThroughput returns the captured improvement baseline
func (e *Engine) BaselineThroughput() float64 {
	e.baselineMu.RLock()
	defer e.baselineMu.RUnlock()
	return e.baselineThroughput
}
