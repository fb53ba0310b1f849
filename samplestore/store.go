// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package samplestore maintains the bounded per-node sample history. The
// telemetry engine is the single writer; analyzers and queries read
// immutable copies.
package samplestore

import (
	"sort"
	"sync"
	"time"

	"fleetops/clock"
	"fleetops/errors"
	"fleetops/model"
)

// Store holds one bounded ring of samples per node
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*ring
	capacity  int
	retention time.Duration
	clock     clock.Clock
}

type ring struct {
	mu      sync.RWMutex
	samples []model.Sample
}

// New creates a store with the given per-node capacity and retention window
func New(capacity int, retention time.Duration, clk clock.Clock) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		nodes:     make(map[string]*ring),
		capacity:  capacity,
		retention: retention,
		clock:     clk,
	}
}

// Ingest validates and appends a sample. Timestamps past the ring tail or in
// the future are clamped to now so the sequence stays monotonic. Invalid
// samples are rejected with an invariant error and dropped by the caller.
func (s *Store) Ingest(sample model.Sample) error {
	if err := sample.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryInvariant, "samplestore.Ingest", "sample rejected")
	}

	now := s.clock.Now()
	if sample.Timestamp.IsZero() || sample.Timestamp.After(now) {
		sample.Timestamp = now
	}

	s.mu.RLock()
	r, ok := s.nodes[sample.NodeID]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		r, ok = s.nodes[sample.NodeID]
		if !ok {
			r = &ring{samples: make([]model.Sample, 0, s.capacity)}
			s.nodes[sample.NodeID] = r
		}
		s.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.samples); n > 0 && sample.Timestamp.Before(r.samples[n-1].Timestamp) {
		sample.Timestamp = now
	}
	if len(r.samples) >= s.capacity {
		r.samples = r.samples[1:]
	}
	r.samples = append(r.samples, sample)
	return nil
}

// Recent returns up to count most recent samples for a node, chronological
func (s *Store) Recent(nodeID string, count int) []model.Sample {
	r := s.ring(nodeID)
	if r == nil || count <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := len(r.samples) - count
	if start < 0 {
		start = 0
	}
	out := make([]model.Sample, len(r.samples)-start)
	copy(out, r.samples[start:])
	return out
}

// Window returns all samples for a node within the last duration
func (s *Store) Window(nodeID string, duration time.Duration) []model.Sample {
	r := s.ring(nodeID)
	if r == nil {
		return nil
	}
	cutoff := s.clock.Now().Add(-duration)

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Samples are ordered, so find the first one inside the window.
	i := sort.Search(len(r.samples), func(i int) bool {
		return r.samples[i].Timestamp.After(cutoff)
	})
	if i == len(r.samples) {
		return nil
	}
	out := make([]model.Sample, len(r.samples)-i)
	copy(out, r.samples[i:])
	return out
}

// Latest returns the most recent sample for a node
func (s *Store) Latest(nodeID string) (model.Sample, bool) {
	r := s.ring(nodeID)
	if r == nil {
		return model.Sample{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.samples) == 0 {
		return model.Sample{}, false
	}
	return r.samples[len(r.samples)-1], true
}

// AllLatest returns the latest sample per known node
func (s *Store) AllLatest() map[string]model.Sample {
	s.mu.RLock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string]model.Sample, len(ids))
	for _, id := range ids {
		if latest, ok := s.Latest(id); ok {
			out[id] = latest
		}
	}
	return out
}

// Nodes returns the known node IDs, sorted
func (s *Store) Nodes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns how many samples are held for a node
func (s *Store) Count(nodeID string) int {
	r := s.ring(nodeID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.samples)
}

// Prune drops samples older than the retention window and forgets nodes
// whose history is empty afterwards.
func (s *Store) Prune() {
	cutoff := s.clock.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.nodes {
		r.mu.Lock()
		i := sort.Search(len(r.samples), func(i int) bool {
			return r.samples[i].Timestamp.After(cutoff)
		})
		if i == len(r.samples) {
			delete(s.nodes, id)
			r.mu.Unlock()
			continue
		}
		if i > 0 {
			r.samples = append(r.samples[:0:0], r.samples[i:]...)
		}
		r.mu.Unlock()
	}
}

// Snapshot returns a deep copy of every ring, for persistence
func (s *Store) Snapshot() map[string][]model.Sample {
	s.mu.RLock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[string][]model.Sample, len(ids))
	for _, id := range ids {
		r := s.ring(id)
		if r == nil {
			continue
		}
		r.mu.RLock()
		cp := make([]model.Sample, len(r.samples))
		copy(cp, r.samples)
		r.mu.RUnlock()
		out[id] = cp
	}
	return out
}

// Restore replaces store contents from a persisted snapshot
func (s *Store) Restore(data map[string][]model.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*ring, len(data))
	for id, samples := range data {
		cp := make([]model.Sample, len(samples))
		copy(cp, samples)
		if len(cp) > s.capacity {
			cp = cp[len(cp)-s.capacity:]
		}
		s.nodes[id] = &ring{samples: cp}
	}
}

func (s *Store) ring(nodeID string) *ring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}
