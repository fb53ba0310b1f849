// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package persistence saves and restores control-plane state as JSON files
// under the data directory. Writes go through a temp file and rename so a
// crash never leaves a torn file behind.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"fleetops/alerts"
	"fleetops/analyzer"
	"fleetops/baseline"
	"fleetops/errors"
	"fleetops/healing"
	"fleetops/model"
	"fleetops/telemetry"
)

const (
	samplesFile        = "metrics-history.json"
	baselineFile       = "baseline.json"
	predictionsFile    = "predictions.json"
	alertsFile         = "alerts.json"
	healingHistoryFile = "healing-history.json"
	healingMetricsFile = "healing-metrics.json"
	summaryFile        = "session-summary.json"
)

// BaselineState bundles the learned baselines with the improvement baseline
type BaselineState struct {
	Learner            baseline.Snapshot `json:"learner"`
	BaselineThroughput float64           `json:"baselineThroughput"`
	SavedAt            time.Time         `json:"savedAt"`
}

// Summary is the end-of-session rollup written on shutdown
type Summary struct {
	StartedAt   time.Time             `json:"startedAt"`
	EndedAt     time.Time             `json:"endedAt"`
	Nodes       int                   `json:"nodes"`
	Predictions int                   `json:"predictions"`
	Alerts      int                   `json:"alerts"`
	Healing     healing.Metrics       `json:"healing"`
	Improvement telemetry.Improvement `json:"improvement"`
}

// Store reads and writes state files under one directory
type Store struct {
	dir string
}

// New creates the data directory if needed and returns a store for it
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CategoryTransientIO, "persistence.New", "creating %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory path
func (s *Store) Dir() string { return s.dir }

func (s *Store) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.CategoryInternal, "persistence.save", "encoding %s", name)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, errors.CategoryTransientIO, "persistence.save", "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, errors.CategoryTransientIO, "persistence.save", "renaming %s", tmp)
	}
	return nil
}

// load fills v from the named file. A missing file leaves v untouched and
// returns false.
func (s *Store) load(name string, v any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, errors.CategoryTransientIO, "persistence.load", "reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, errors.CategoryTransientIO, "persistence.load", "parsing %s", path)
	}
	return true, nil
}

// SaveSamples writes the sample store snapshot
func (s *Store) SaveSamples(data map[string][]model.Sample) error {
	return s.save(samplesFile, data)
}

// LoadSamples reads the sample store snapshot
func (s *Store) LoadSamples() (map[string][]model.Sample, bool, error) {
	out := make(map[string][]model.Sample)
	ok, err := s.load(samplesFile, &out)
	return out, ok, err
}

// SaveBaselines writes the learned baselines and improvement baseline
func (s *Store) SaveBaselines(state BaselineState) error {
	return s.save(baselineFile, state)
}

// LoadBaselines reads the persisted baseline state
func (s *Store) LoadBaselines() (BaselineState, bool, error) {
	var out BaselineState
	ok, err := s.load(baselineFile, &out)
	return out, ok, err
}

// SavePredictions writes the retained predictions
func (s *Store) SavePredictions(preds []analyzer.Prediction) error {
	return s.save(predictionsFile, preds)
}

// LoadPredictions reads the retained predictions
func (s *Store) LoadPredictions() ([]analyzer.Prediction, bool, error) {
	var out []analyzer.Prediction
	ok, err := s.load(predictionsFile, &out)
	return out, ok, err
}

// SaveAlerts writes the alert ring
func (s *Store) SaveAlerts(ring []alerts.Alert) error {
	return s.save(alertsFile, ring)
}

// LoadAlerts reads the alert ring
func (s *Store) LoadAlerts() ([]alerts.Alert, bool, error) {
	var out []alerts.Alert
	ok, err := s.load(alertsFile, &out)
	return out, ok, err
}

// SaveWorkflows writes the healing history
func (s *Store) SaveWorkflows(history []healing.Workflow) error {
	return s.save(healingHistoryFile, history)
}

// LoadWorkflows reads the healing history
func (s *Store) LoadWorkflows() ([]healing.Workflow, bool, error) {
	var out []healing.Workflow
	ok, err := s.load(healingHistoryFile, &out)
	return out, ok, err
}

// SaveHealingMetrics writes the orchestrator counters
func (s *Store) SaveHealingMetrics(m healing.Metrics) error {
	return s.save(healingMetricsFile, m)
}

// LoadHealingMetrics reads the orchestrator counters
func (s *Store) LoadHealingMetrics() (healing.Metrics, bool, error) {
	var out healing.Metrics
	ok, err := s.load(healingMetricsFile, &out)
	return out, ok, err
}

// SaveSummary writes the end-of-session rollup
func (s *Store) SaveSummary(sum Summary) error {
	return s.save(summaryFile, sum)
}

// LoadSummary reads the previous session rollup
func (s *Store) LoadSummary() (Summary, bool, error) {
	var out Summary
	ok, err := s.load(summaryFile, &out)
	return out, ok, err
}
