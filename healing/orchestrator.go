// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package healing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetops/analyzer"
	"fleetops/bus"
	"fleetops/clock"
	"fleetops/config"
	"fleetops/logger"
	"fleetops/metrics"
)

const historyCapacity = 1000

// confidence below or at this floor never triggers remediation
const confidenceFloor = 0.6

// Request is a manual healing request published on the requests topic
type Request struct {
	Entity   string `json:"entity"`
	Action   string `json:"action"`
	Priority string `json:"priority,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Event is published on the workflows topic at every workflow transition
type Event struct {
	Workflow Workflow `json:"workflow"`
	Phase    string   `json:"phase"` // started, blocked, finished
	Reason   string   `json:"reason,omitempty"`
}

// Orchestrator consumes predictions and runs remediation workflows. One
// workflow per (entity, action) pair may be active at a time.
type Orchestrator struct {
	cfg      *config.Config
	bus      *bus.Bus
	topic    string
	effector Effector
	gate     *gate
	metrics  *metrics.ControlMetrics
	clock    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	active        map[string]*Workflow // entity|action
	history       []Workflow
	total         int
	successful    int
	failed        int
	totalDuration time.Duration
}

// New creates an orchestrator driving the given effector
func New(cfg *config.Config, b *bus.Bus, eff Effector, m *metrics.ControlMetrics, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		bus:      b,
		topic:    cfg.Topics.HealingWorkflows,
		effector: eff,
		gate:     newGate(clk),
		metrics:  m,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*Workflow),
	}
}

// Attach subscribes the orchestrator to the prediction and request topics
func (o *Orchestrator) Attach(b *bus.Bus, predictionTopic, requestTopic string) {
	b.Subscribe(predictionTopic, func(msg *bus.Message) {
		if p, ok := msg.Payload.(analyzer.Prediction); ok {
			o.HandlePrediction(p)
		}
	})
	b.Subscribe(requestTopic, func(msg *bus.Message) {
		if r, ok := msg.Payload.(Request); ok {
			o.HandleRequest(r)
		}
	})
}

// HandlePrediction maps a prediction onto a remediation strategy and starts
// a workflow if the policy gate allows it.
func (o *Orchestrator) HandlePrediction(p analyzer.Prediction) {
	if p.Confidence <= confidenceFloor {
		logger.Debug("skipping prediction %s: confidence %.2f at or below floor", p.ID, p.Confidence)
		return
	}
	strat, ok := StrategyFor(p.Kind, p.Severity)
	if !ok {
		logger.Debug("no remediation strategy for %s/%s", p.Kind, p.Severity)
		return
	}
	o.start(p.Entity, string(p.Severity), p.ID, strat)
}

// HandleRequest starts a workflow for a manual healing request
func (o *Orchestrator) HandleRequest(r Request) {
	strat, ok := strategyForAction(r.Action)
	if !ok {
		logger.Warn("healing request for unknown action %q ignored", r.Action)
		return
	}
	priority := r.Priority
	if priority == "" {
		priority = string(analyzer.SeverityHigh)
	}
	o.start(r.Entity, priority, "manual", strat)
}

// strategyForAction resolves a strategy row by action name
func strategyForAction(action string) (Strategy, bool) {
	for _, s := range strategyTable {
		if s.Action == action {
			return s, true
		}
	}
	return Strategy{}, false
}

func (o *Orchestrator) start(entity, priority, trigger string, strat Strategy) {
	pol, ok := o.cfg.PolicyFor(strat.Policy)
	if !ok {
		logger.Warn("no policy %q configured, refusing %s for %s", strat.Policy, strat.Action, entity)
		return
	}

	if allowed, reason := o.gate.allow(entity, strat.Action, pol); !allowed {
		o.metrics.RecordPolicyBlocked()
		logger.Info("healing %s for %s blocked: %s", strat.Action, entity, reason)
		o.bus.Publish(o.topic, Event{
			Workflow: Workflow{Entity: entity, Action: strat.Action, Policy: strat.Policy, Trigger: trigger},
			Phase:    "blocked",
			Reason:   reason,
		})
		return
	}

	key := entity + "|" + strat.Action
	o.mu.Lock()
	if _, busy := o.active[key]; busy {
		o.mu.Unlock()
		logger.Debug("workflow %s for %s already active", strat.Action, entity)
		return
	}

	w := &Workflow{
		ID:        uuid.NewString(),
		Entity:    entity,
		Action:    strat.Action,
		Policy:    strat.Policy,
		Priority:  priority,
		Trigger:   trigger,
		Status:    StatusRunning,
		StartTime: o.clock.Now(),
		Timeout:   strat.Timeout,
	}
	for _, name := range strat.Steps {
		w.Steps = append(w.Steps, Step{Name: name, Status: StepPending})
	}
	o.active[key] = w
	o.mu.Unlock()

	o.gate.markStarted(entity, strat.Action)
	logger.Info("starting workflow %s: %s on %s (trigger=%s)", w.ID, w.Action, w.Entity, trigger)
	o.bus.Publish(o.topic, Event{Workflow: o.snapshotWorkflow(w), Phase: "started"})

	o.wg.Add(1)
	go o.run(key, w, pol)
}

// run executes the step sequence under the workflow's watchdog timeout
func (o *Orchestrator) run(key string, w *Workflow, pol config.Policy) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.ctx, w.Timeout)
	defer cancel()

	var failed error
	for i := range w.Steps {
		o.setStep(w, i, StepRunning, nil)
		err := o.executeStep(ctx, w, w.Steps[i].Name, pol.MaxRetries)
		if err != nil {
			o.setStep(w, i, StepFailed, err)
			failed = err
			for j := i + 1; j < len(w.Steps); j++ {
				o.setStep(w, j, StepSkipped, nil)
			}
			break
		}
		o.setStep(w, i, StepCompleted, nil)
	}

	o.mu.Lock()
	w.EndTime = o.clock.Now()
	switch {
	case failed == nil:
		w.Status = StatusCompleted
		w.Result = "all steps completed"
	case o.ctx.Err() != nil:
		w.Status = StatusCancelled
		w.Error = "orchestrator stopped"
	case ctx.Err() == context.DeadlineExceeded:
		w.Status = StatusTimeout
		w.Error = failed.Error()
	default:
		w.Status = StatusFailed
		w.Error = failed.Error()
	}
	done := *w
	done.Steps = append([]Step(nil), w.Steps...)
	delete(o.active, key)
	o.history = append(o.history, done)
	if len(o.history) > historyCapacity {
		o.history = o.history[1:]
	}
	o.total++
	if done.Status == StatusCompleted {
		o.successful++
	} else {
		o.failed++
	}
	o.totalDuration += done.Duration()
	o.mu.Unlock()

	o.gate.markOutcome(w.Entity, w.Action, done.Status == StatusCompleted)
	o.metrics.RecordWorkflow(string(done.Status), done.Duration())
	logger.Info("workflow %s finished: %s (%s)", done.ID, done.Status, done.Duration())
	o.bus.Publish(o.topic, Event{Workflow: done, Phase: "finished"})
}

// executeStep runs one step, retrying transient failures up to maxRetries
func (o *Orchestrator) executeStep(ctx context.Context, w *Workflow, step string, maxRetries int) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = o.effector.Execute(ctx, w.Entity, w.Action, step)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		logger.Warn("step %s of %s failed (attempt %d/%d): %v", step, w.Action, attempt+1, maxRetries+1, err)
	}
	return err
}

func (o *Orchestrator) setStep(w *Workflow, i int, status StepStatus, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w.Steps[i].Status = status
	w.Steps[i].Timestamp = o.clock.Now()
	if err != nil {
		w.Steps[i].Error = err.Error()
	}
}

func (o *Orchestrator) snapshotWorkflow(w *Workflow) Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := *w
	out.Steps = append([]Step(nil), w.Steps...)
	return out
}

// Active returns copies of the currently running workflows
func (o *Orchestrator) Active() []Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Workflow, 0, len(o.active))
	for _, w := range o.active {
		c := *w
		c.Steps = append([]Step(nil), w.Steps...)
		out = append(out, c)
	}
	return out
}

// History returns the retained finished workflows, oldest first
func (o *Orchestrator) History() []Workflow {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Workflow, len(o.history))
	copy(out, o.history)
	return out
}

// Metrics summarizes orchestrator activity
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := Metrics{Total: o.total, Successful: o.successful, Failed: o.failed}
	if o.total > 0 {
		m.AverageRunFor = o.totalDuration / time.Duration(o.total)
	}
	return m
}

// Restore seeds history and counters from persisted state
func (o *Orchestrator) Restore(history []Workflow, m Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append([]Workflow(nil), history...)
	if len(o.history) > historyCapacity {
		o.history = o.history[len(o.history)-historyCapacity:]
	}
	o.total = m.Total
	o.successful = m.Successful
	o.failed = m.Failed
	o.totalDuration = m.AverageRunFor * time.Duration(m.Total)
}

// Stop cancels running workflows and waits for them to settle
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}
