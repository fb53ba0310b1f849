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

	"fleetops/errors"
)

// SimulatedEffector executes steps as short sleeps. Failures and hangs can be
// injected per step name, which the tests use to drive failed and timed-out
// workflows.
type SimulatedEffector struct {
	StepDelay time.Duration

	mu       sync.Mutex
	failures map[string]error
	hangs    map[string]bool
	executed []string
}

// NewSimulatedEffector returns an effector whose steps take stepDelay each
func NewSimulatedEffector(stepDelay time.Duration) *SimulatedEffector {
	return &SimulatedEffector{
		StepDelay: stepDelay,
		failures:  make(map[string]error),
		hangs:     make(map[string]bool),
	}
}

// FailStep makes the named step return the given error
func (e *SimulatedEffector) FailStep(step string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		err = errors.Newf(errors.CategoryWorkflow, "effector.Execute", "injected failure at %s", step)
	}
	e.failures[step] = err
}

// ClearStep removes any injected failure or hang for the named step
func (e *SimulatedEffector) ClearStep(step string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, step)
	delete(e.hangs, step)
}

// HangStep makes the named step block until the context is cancelled
func (e *SimulatedEffector) HangStep(step string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hangs[step] = true
}

// Executed returns the step names run so far, in order
func (e *SimulatedEffector) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.executed))
	copy(out, e.executed)
	return out
}

// Execute implements Effector
func (e *SimulatedEffector) Execute(ctx context.Context, entity, action, step string) error {
	e.mu.Lock()
	e.executed = append(e.executed, step)
	failure := e.failures[step]
	hang := e.hangs[step]
	e.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if e.StepDelay > 0 {
		select {
		case <-time.After(e.StepDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failure != nil {
		return failure
	}
	return ctx.Err()
}
