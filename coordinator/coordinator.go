// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package coordinator wires the control-plane components together and owns
// their lifecycle: telemetry engine, analyzer, alert manager, healing
// orchestrator, persistence, and the bus bridge.
package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetops/alerts"
	"fleetops/analyzer"
	"fleetops/baseline"
	"fleetops/bus"
	"fleetops/clock"
	"fleetops/config"
	"fleetops/healing"
	"fleetops/logger"
	"fleetops/metrics"
	"fleetops/model"
	"fleetops/persistence"
	"fleetops/samplestore"
	"fleetops/telemetry"
)

// watchdogInterval drives alert escalation sweeps and retention pruning
const watchdogInterval = 10 * time.Second

// Options overrides coordinator collaborators, mainly for tests
type Options struct {
	Clock       clock.Clock
	Effector    healing.Effector
	AlertLogger *zap.Logger
	Metrics     *metrics.ControlMetrics
}

// Coordinator owns all control-plane components
type Coordinator struct {
	cfg     *config.Config
	clock   clock.Clock
	metrics *metrics.ControlMetrics

	bus          *bus.Bus
	bridge       *bus.Bridge
	store        *samplestore.Store
	learner      *baseline.Learner
	engine       *telemetry.Engine
	analyzer     *analyzer.Analyzer
	alerts       *alerts.Manager
	orchestrator *healing.Orchestrator
	persist      *persistence.Store

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	stopCh        chan struct{}
	wg            sync.WaitGroup
	metricsServer *http.Server
}

// Status is the coordinator health and activity summary
type Status struct {
	Running     bool                  `json:"running"`
	StartedAt   time.Time             `json:"startedAt"`
	Uptime      time.Duration         `json:"uptime"`
	Nodes       int                   `json:"nodes"`
	Bus         bus.Stats             `json:"bus"`
	Bridge      *bus.BridgeStats      `json:"bridge,omitempty"`
	Healing     healing.Metrics       `json:"healing"`
	Improvement telemetry.Improvement `json:"improvement"`
}

// NodeDetail bundles everything known about one node
type NodeDetail struct {
	Latest   model.Sample       `json:"latest"`
	Recent   []model.Sample     `json:"recent"`
	Baseline *baseline.Baseline `json:"baseline,omitempty"`
}

// New builds the full component graph from the configuration
func New(cfg *config.Config, opts Options) (*Coordinator, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	m := opts.Metrics
	if m == nil && cfg.MetricsEnabled {
		m = metrics.New()
	}
	eff := opts.Effector
	if eff == nil {
		eff = healing.NewSimulatedEffector(100 * time.Millisecond)
	}
	alertLog := opts.AlertLogger
	if alertLog == nil {
		var err error
		alertLog, err = zap.NewProduction()
		if err != nil {
			alertLog = zap.NewNop()
		}
	}

	persist, err := persistence.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	b := bus.New(cfg.Bus.BufferSize, m)
	store := samplestore.New(cfg.RingCapacity, cfg.Retention(), clk)
	learner := baseline.New(baseline.DefaultAlpha)

	engine := telemetry.NewEngine(telemetry.Config{
		Interval:     cfg.UpdateInterval(),
		NodeTopic:    cfg.Topics.Node,
		FleetTopic:   cfg.Topics.Fleet,
		ImproveTopic: cfg.Topics.Improvement,
	}, store, learner, b, m, clk)

	an := analyzer.New(analyzer.Config{
		FailureLookback:         cfg.Models.FailurePrediction.Lookback,
		FailureThreshold:        cfg.Models.FailurePrediction.Threshold,
		AnomalySensitivity:      cfg.Models.Anomaly.Sensitivity,
		TrendWindow:             cfg.Models.Degradation.TrendWindow,
		DegradationThresholdPct: cfg.Models.Degradation.ThresholdPct,
		EmitCooldown:            30 * time.Second,
	}, store, learner, b, cfg.Topics.Predictions, m, clk)

	am := alerts.New(cfg, b, m, alertLog, clk)
	orch := healing.New(cfg, b, eff, m, clk)

	c := &Coordinator{
		cfg:          cfg,
		clock:        clk,
		metrics:      m,
		bus:          b,
		store:        store,
		learner:      learner,
		engine:       engine,
		analyzer:     an,
		alerts:       am,
		orchestrator: orch,
		persist:      persist,
	}

	if cfg.Bus.ExternalURL != "" {
		bridge, err := bus.NewBridge(b, cfg.Bus.ExternalURL, cfg.Bus.TopicPrefix, cfg.Bus.Reconnect(), m)
		if err != nil {
			return nil, err
		}
		c.registerBridgeDecoders(bridge)
		c.bridge = bridge
	}
	return c, nil
}

// jsonDecoder rebuilds one concrete payload type from bridged JSON
func jsonDecoder[T any]() bus.Decoder {
	return func(data []byte) (interface{}, error) {
		var v T
		err := json.Unmarshal(data, &v)
		return v, err
	}
}

// registerBridgeDecoders maps each topic to its concrete payload type so
// peer-replica messages arrive typed, exactly as local publishes do.
func (c *Coordinator) registerBridgeDecoders(br *bus.Bridge) {
	t := c.cfg.Topics
	br.RegisterDecoder(t.Node, jsonDecoder[model.Sample]())
	br.RegisterDecoder(t.Fleet, jsonDecoder[model.FleetSnapshot]())
	br.RegisterDecoder(t.Predictions, jsonDecoder[analyzer.Prediction]())
	br.RegisterDecoder(t.Alerts, jsonDecoder[alerts.Alert]())
	br.RegisterDecoder(t.HealingRequests, jsonDecoder[healing.Request]())
	br.RegisterDecoder(t.HealingWorkflows, jsonDecoder[healing.Event]())
	br.RegisterDecoder(t.Improvement, jsonDecoder[telemetry.Improvement]())
}

// AddSource registers a telemetry source; call before Start
func (c *Coordinator) AddSource(src telemetry.SampleSource) {
	c.engine.AddSource(src)
}

// Start restores persisted state, subscribes the components, and begins the
// telemetry loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.startedAt = c.clock.Now()
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.restoreState()

	c.analyzer.Attach(c.bus, c.cfg.Topics.Node, c.cfg.Topics.Fleet)
	c.alerts.Attach(c.bus, c.cfg.Topics.Node, c.cfg.Topics.Fleet, c.cfg.Topics.Predictions)
	c.orchestrator.Attach(c.bus, c.cfg.Topics.Predictions, c.cfg.Topics.HealingRequests)

	if c.bridge != nil {
		c.bridge.Start(ctx)
	}
	if c.metrics != nil && c.cfg.MetricsEnabled {
		c.metricsServer = c.metrics.Serve(c.cfg.MetricsPort)
		logger.Info("metrics endpoint on :%d/metrics", c.cfg.MetricsPort)
	}

	if err := c.engine.Start(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.watchdogLoop()
	go c.snapshotLoop()

	logger.Info("coordinator started: %s", c.cfg.String())
	return nil
}

// Stop shuts the components down in dependency order and persists final
// state. The bus closes last so in-flight events still deliver.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.engine.Stop()
	c.orchestrator.Stop()
	c.wg.Wait()

	if c.bridge != nil {
		c.bridge.Stop()
	}
	if c.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	c.persistState()
	c.writeSummary()
	c.bus.Close()
	logger.Info("coordinator stopped")
}

// watchdogLoop sweeps alert escalations and prunes expired samples
func (c *Coordinator) watchdogLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.alerts.Sweep()
			c.store.Prune()
		}
	}
}

// snapshotLoop persists state on the configured cadence
func (c *Coordinator) snapshotLoop() {
	defer c.wg.Done()
	interval := c.cfg.SnapshotInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistState()
		}
	}
}

// restoreState loads whatever persisted state exists. Load failures are
// logged and skipped; a fresh start is always viable.
func (c *Coordinator) restoreState() {
	if samples, ok, err := c.persist.LoadSamples(); err != nil {
		logger.Warn("restoring samples: %v", err)
	} else if ok {
		c.store.Restore(samples)
		logger.Info("restored sample history for %d nodes", len(samples))
	}
	if state, ok, err := c.persist.LoadBaselines(); err != nil {
		logger.Warn("restoring baselines: %v", err)
	} else if ok {
		c.learner.Restore(state.Learner)
		c.engine.SetBaselineThroughput(state.BaselineThroughput)
		logger.Info("restored %d node baselines", len(state.Learner.Nodes))
	}
	if preds, ok, err := c.persist.LoadPredictions(); err != nil {
		logger.Warn("restoring predictions: %v", err)
	} else if ok {
		c.analyzer.Restore(preds)
	}
	if ring, ok, err := c.persist.LoadAlerts(); err != nil {
		logger.Warn("restoring alerts: %v", err)
	} else if ok {
		c.alerts.Restore(ring)
	}
	history, hok, herr := c.persist.LoadWorkflows()
	hm, _, merr := c.persist.LoadHealingMetrics()
	if herr != nil || merr != nil {
		logger.Warn("restoring healing state: %v %v", herr, merr)
	} else if hok {
		c.orchestrator.Restore(history, hm)
	}
}

func (c *Coordinator) persistState() {
	if err := c.persist.SaveSamples(c.store.Snapshot()); err != nil {
		logger.Warn("persisting samples: %v", err)
	}
	if err := c.persist.SaveBaselines(persistence.BaselineState{
		Learner:            c.learner.Export(),
		BaselineThroughput: c.engine.BaselineThroughput(),
		SavedAt:            c.clock.Now(),
	}); err != nil {
		logger.Warn("persisting baselines: %v", err)
	}
	if err := c.persist.SavePredictions(c.analyzer.Recent()); err != nil {
		logger.Warn("persisting predictions: %v", err)
	}
	if err := c.persist.SaveAlerts(c.alerts.Recent(alerts.Filter{})); err != nil {
		logger.Warn("persisting alerts: %v", err)
	}
	if err := c.persist.SaveWorkflows(c.orchestrator.History()); err != nil {
		logger.Warn("persisting healing history: %v", err)
	}
	if err := c.persist.SaveHealingMetrics(c.orchestrator.Metrics()); err != nil {
		logger.Warn("persisting healing metrics: %v", err)
	}
}

func (c *Coordinator) writeSummary() {
	sum := persistence.Summary{
		StartedAt:   c.startedAt,
		EndedAt:     c.clock.Now(),
		Nodes:       len(c.store.Nodes()),
		Predictions: len(c.analyzer.Recent()),
		Alerts:      len(c.alerts.Recent(alerts.Filter{})),
		Healing:     c.orchestrator.Metrics(),
		Improvement: c.engine.ImprovementMetrics(),
	}
	if err := c.persist.SaveSummary(sum); err != nil {
		logger.Warn("writing session summary: %v", err)
	}
}

// Status reports coordinator health and activity
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	running := c.running
	started := c.startedAt
	c.mu.Unlock()

	st := Status{
		Running:     running,
		StartedAt:   started,
		Nodes:       len(c.store.Nodes()),
		Bus:         c.bus.Stats(),
		Healing:     c.orchestrator.Metrics(),
		Improvement: c.engine.ImprovementMetrics(),
	}
	if running {
		st.Uptime = c.clock.Now().Sub(started)
	}
	if c.bridge != nil {
		bs := c.bridge.Stats()
		st.Bridge = &bs
	}
	return st
}

// FleetSnapshot returns the latest fleet rollup
func (c *Coordinator) FleetSnapshot() (model.FleetSnapshot, bool) {
	return c.engine.LastSnapshot()
}

// Node returns detail for one node
func (c *Coordinator) Node(id string) (NodeDetail, bool) {
	latest, ok := c.store.Latest(id)
	if !ok {
		return NodeDetail{}, false
	}
	detail := NodeDetail{
		Latest: latest,
		Recent: c.store.Recent(id, 60),
	}
	if b, ok := c.learner.Baseline(id); ok {
		detail.Baseline = &b
	}
	return detail, true
}

// Nodes returns the known node IDs
func (c *Coordinator) Nodes() []string { return c.store.Nodes() }

// RecentPredictions returns retained predictions, oldest first
func (c *Coordinator) RecentPredictions() []analyzer.Prediction {
	return c.analyzer.Recent()
}

// RecentAlerts returns retained alerts matching the filter
func (c *Coordinator) RecentAlerts(f alerts.Filter) []alerts.Alert {
	return c.alerts.Recent(f)
}

// AcknowledgeAlert marks an alert as seen by the named operator
func (c *Coordinator) AcknowledgeAlert(id, user string) error {
	return c.alerts.Acknowledge(id, user, "")
}

// ResolveAlert closes an alert
func (c *Coordinator) ResolveAlert(id string) error {
	return c.alerts.Resolve(id)
}

// EscalateAlert raises an alert manually
func (c *Coordinator) EscalateAlert(id string) error {
	return c.alerts.Escalate(id)
}

// WorkflowHistory returns finished healing workflows, oldest first
func (c *Coordinator) WorkflowHistory() []healing.Workflow {
	return c.orchestrator.History()
}

// ActiveWorkflows returns the currently running workflows
func (c *Coordinator) ActiveWorkflows() []healing.Workflow {
	return c.orchestrator.Active()
}

// ImprovementMetrics reports baseline vs current throughput
func (c *Coordinator) ImprovementMetrics() telemetry.Improvement {
	return c.engine.ImprovementMetrics()
}

// RequestHealing publishes a manual healing request
func (c *Coordinator) RequestHealing(entity, action, reason string) {
	c.bus.Publish(c.cfg.Topics.HealingRequests, healing.Request{
		Entity: entity,
		Action: action,
		Reason: reason,
	})
}

// Bus exposes the event bus for embedding callers
func (c *Coordinator) Bus() *bus.Bus { return c.bus }
