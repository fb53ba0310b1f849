// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package healing

import (
	"sync"
	"time"

	"fleetops/clock"
	"fleetops/config"
)

// gate enforces per (entity, action) cooldowns and consecutive-failure caps.
// Decisions carry the reason so refusals can be published and logged.
type gate struct {
	clock clock.Clock

	mu    sync.Mutex
	state map[string]*gateEntry // entity|action
}

type gateEntry struct {
	lastRun      time.Time
	failureCount int
}

func newGate(clk clock.Clock) *gate {
	return &gate{clock: clk, state: make(map[string]*gateEntry)}
}

// allow checks whether the action may run under the given policy. The reason
// is empty when allowed.
func (g *gate) allow(entity, action string, pol config.Policy) (bool, string) {
	if !pol.Enabled {
		return false, "policy disabled"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := entity + "|" + action
	entry, ok := g.state[key]
	if !ok {
		return true, ""
	}
	if elapsed := g.clock.Now().Sub(entry.lastRun); elapsed < pol.Cooldown() {
		if pol.FailureThreshold > 0 && entry.failureCount >= pol.FailureThreshold {
			return false, "consecutive failure threshold reached"
		}
		return false, "cooldown active"
	}
	// Cooldown elapsed: the pair earns a fresh attempt even after repeated
	// failures. The failure count only resets on a successful run.
	return true, ""
}

// markStarted stamps the cooldown clock for the pair
func (g *gate) markStarted(entity, action string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := entity + "|" + action
	entry, ok := g.state[key]
	if !ok {
		entry = &gateEntry{}
		g.state[key] = entry
	}
	entry.lastRun = g.clock.Now()
}

// markOutcome updates the consecutive failure count for the pair
func (g *gate) markOutcome(entity, action string, succeeded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := entity + "|" + action
	entry, ok := g.state[key]
	if !ok {
		entry = &gateEntry{}
		g.state[key] = entry
	}
	if succeeded {
		entry.failureCount = 0
	} else {
		entry.failureCount++
	}
}
