// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config holds the nested control-plane configuration. Values are
// loaded from defaults, then an optional YAML file, then environment
// variables. Validation failures are fatal at init.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"fleetops/errors"
	"fleetops/logger"
)

// Threshold is a warning/critical pair for one alert metric
type Threshold struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Thresholds maps metric kind to its alert thresholds
type Thresholds struct {
	Latency      Threshold `yaml:"latency" json:"latency"`
	CPU          Threshold `yaml:"cpu" json:"cpu"`
	Memory       Threshold `yaml:"memory" json:"memory"`
	Disk         Threshold `yaml:"disk" json:"disk"`
	ErrorRate    Threshold `yaml:"errorRate" json:"errorRate"`
	Availability Threshold `yaml:"availability" json:"availability"`
	Cost         Threshold `yaml:"cost" json:"cost"`
}

// FailurePredictionModel configures node failure risk scoring
type FailurePredictionModel struct {
	Lookback  int     `yaml:"lookback" json:"lookback"`   // samples required before scoring
	HorizonMs int64   `yaml:"horizonMs" json:"horizonMs"` // prediction horizon
	Threshold float64 `yaml:"threshold" json:"threshold"` // emit when risk strictly above
}

// AnomalyModel configures baseline anomaly detection
type AnomalyModel struct {
	Sensitivity float64 `yaml:"sensitivity" json:"sensitivity"` // relative deviation to emit at
}

// DegradationModel configures trend-based degradation detection
type DegradationModel struct {
	TrendWindow  int     `yaml:"trendWindow" json:"trendWindow"`
	ThresholdPct float64 `yaml:"thresholdPct" json:"thresholdPct"`
}

// Models groups the analyzer model settings
type Models struct {
	FailurePrediction FailurePredictionModel `yaml:"failurePrediction" json:"failurePrediction"`
	Anomaly           AnomalyModel           `yaml:"anomaly" json:"anomaly"`
	Degradation       DegradationModel       `yaml:"degradation" json:"degradation"`
}

// Policy gates repeated healing actions on one (entity, action) pair
type Policy struct {
	Enabled          bool  `yaml:"enabled" json:"enabled"`
	MaxRetries       int   `yaml:"maxRetries" json:"maxRetries"`
	CooldownMs       int64 `yaml:"cooldownMs" json:"cooldownMs"`
	FailureThreshold int   `yaml:"failureThreshold" json:"failureThreshold"`
}

// Cooldown returns the policy cooldown as a duration
func (p Policy) Cooldown() time.Duration { return time.Duration(p.CooldownMs) * time.Millisecond }

// Bus configures the in-process bus and the external broker bridge
type Bus struct {
	ExternalURL string `yaml:"externalUrl" json:"externalUrl"` // redis URL; empty disables the bridge
	ReconnectMs int64  `yaml:"reconnectMs" json:"reconnectMs"`
	BufferSize  int    `yaml:"bufferSize" json:"bufferSize"`
	TopicPrefix string `yaml:"topicPrefix" json:"topicPrefix"` // only matching topics cross the bridge
}

// Reconnect returns the initial bridge reconnect delay
func (b Bus) Reconnect() time.Duration { return time.Duration(b.ReconnectMs) * time.Millisecond }

// Topics holds the canonical bus topic names
type Topics struct {
	Node             string `yaml:"node" json:"node"`
	Fleet            string `yaml:"fleet" json:"fleet"`
	Predictions      string `yaml:"predictions" json:"predictions"`
	Alerts           string `yaml:"alerts" json:"alerts"`
	HealingRequests  string `yaml:"healingRequests" json:"healingRequests"`
	HealingWorkflows string `yaml:"healingWorkflows" json:"healingWorkflows"`
	Improvement      string `yaml:"improvement" json:"improvement"`
}

// Config is the full control-plane configuration
type Config struct {
	UpdateIntervalMs int64  `yaml:"updateIntervalMs" json:"updateIntervalMs"`
	RetentionMs      int64  `yaml:"retentionMs" json:"retentionMs"`
	RingCapacity     int    `yaml:"ringCapacity" json:"ringCapacity"`
	DataDir          string `yaml:"dataDir" json:"dataDir"`
	LogLevel         string `yaml:"logLevel" json:"logLevel"`
	MetricsEnabled   bool   `yaml:"metricsEnabled" json:"metricsEnabled"`
	MetricsPort      int    `yaml:"metricsPort" json:"metricsPort"`

	Thresholds Thresholds        `yaml:"thresholds" json:"thresholds"`
	Models     Models            `yaml:"models" json:"models"`
	Policies   map[string]Policy `yaml:"policies" json:"policies"`
	Bus        Bus               `yaml:"bus" json:"bus"`
	Topics     Topics            `yaml:"topics" json:"topics"`

	EscalationTimeoutMs int64 `yaml:"escalationTimeoutMs" json:"escalationTimeoutMs"`
	DedupWindowMs       int64 `yaml:"dedupWindowMs" json:"dedupWindowMs"`
	SnapshotIntervalMs  int64 `yaml:"snapshotIntervalMs" json:"snapshotIntervalMs"`
}

// UpdateInterval returns the telemetry tick period
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMs) * time.Millisecond
}

// Retention returns the sample store age bound
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMs) * time.Millisecond
}

// EscalationTimeout returns how long an alert may stay unacknowledged
func (c *Config) EscalationTimeout() time.Duration {
	return time.Duration(c.EscalationTimeoutMs) * time.Millisecond
}

// DedupWindow returns the alert deduplication window
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

// SnapshotInterval returns the periodic persistence cadence
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMs) * time.Millisecond
}

// Policy names recognized by the healing orchestrator
const (
	PolicyNodeRestart        = "node_restart"
	PolicyServiceRestart     = "service_restart"
	PolicyResourceScaling    = "resource_scaling"
	PolicyNodeIsolation      = "node_isolation"
	PolicyClusterRebalancing = "cluster_rebalancing"
)

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		UpdateIntervalMs:    1000,
		RetentionMs:         7 * 24 * time.Hour.Milliseconds(),
		RingCapacity:        1000,
		DataDir:             "data",
		LogLevel:            "info",
		MetricsEnabled:      true,
		MetricsPort:         9090,
		EscalationTimeoutMs: 15 * time.Minute.Milliseconds(),
		DedupWindowMs:       5 * time.Minute.Milliseconds(),
		SnapshotIntervalMs:  5 * time.Minute.Milliseconds(),
		Thresholds: Thresholds{
			Latency:      Threshold{Warning: 100, Critical: 200},
			CPU:          Threshold{Warning: 80, Critical: 90},
			Memory:       Threshold{Warning: 80, Critical: 90},
			Disk:         Threshold{Warning: 85, Critical: 95},
			ErrorRate:    Threshold{Warning: 5, Critical: 10},
			Availability: Threshold{Warning: 98, Critical: 95}, // lower bound: alert when below
			Cost:         Threshold{Warning: 100, Critical: 250},
		},
		Models: Models{
			FailurePrediction: FailurePredictionModel{
				Lookback:  30,
				HorizonMs: 30 * time.Minute.Milliseconds(),
				Threshold: 0.7,
			},
			Anomaly:     AnomalyModel{Sensitivity: 0.5},
			Degradation: DegradationModel{TrendWindow: 300, ThresholdPct: 15},
		},
		Policies: map[string]Policy{
			PolicyNodeRestart:        {Enabled: true, MaxRetries: 3, CooldownMs: 300000, FailureThreshold: 3},
			PolicyServiceRestart:     {Enabled: true, MaxRetries: 5, CooldownMs: 60000, FailureThreshold: 5},
			PolicyResourceScaling:    {Enabled: true, MaxRetries: 3, CooldownMs: 120000, FailureThreshold: 3},
			PolicyNodeIsolation:      {Enabled: true, MaxRetries: 2, CooldownMs: 600000, FailureThreshold: 2},
			PolicyClusterRebalancing: {Enabled: true, MaxRetries: 2, CooldownMs: 900000, FailureThreshold: 2},
		},
		Bus: Bus{
			ExternalURL: "",
			ReconnectMs: 1000,
			BufferSize:  256,
			TopicPrefix: "",
		},
		Topics: Topics{
			Node:             "telemetry.node",
			Fleet:            "telemetry.fleet",
			Predictions:      "predictions",
			Alerts:           "alerts",
			HealingRequests:  "healing.requests",
			HealingWorkflows: "healing.workflows",
			Improvement:      "improvement",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CategoryConfig, "config.Load", "reading %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, errors.CategoryConfig, "config.Load", "parsing %s", path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETOPS_UPDATE_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.UpdateIntervalMs = ms
		} else {
			logger.Warn("Invalid FLEETOPS_UPDATE_INTERVAL_MS value: %s", v)
		}
	}
	if v := os.Getenv("FLEETOPS_RETENTION_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.RetentionMs = ms
		} else {
			logger.Warn("Invalid FLEETOPS_RETENTION_MS value: %s", v)
		}
	}
	if v := os.Getenv("FLEETOPS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FLEETOPS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FLEETOPS_BUS_EXTERNAL_URL"); v != "" {
		c.Bus.ExternalURL = v
	}
	if v := os.Getenv("FLEETOPS_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.MetricsPort = p
		} else {
			logger.Warn("Invalid FLEETOPS_METRICS_PORT value: %s", v)
		}
	}
	if v := os.Getenv("FLEETOPS_METRICS_ENABLED"); v != "" {
		c.MetricsEnabled = v == "true" || v == "1"
	}
}

// Validate checks the configuration; any error here aborts startup
func (c *Config) Validate() error {
	if c.UpdateIntervalMs <= 0 {
		return errors.Newf(errors.CategoryConfig, "config.Validate", "updateIntervalMs must be positive, got %d", c.UpdateIntervalMs)
	}
	if c.RetentionMs <= 0 {
		return errors.Newf(errors.CategoryConfig, "config.Validate", "retentionMs must be positive, got %d", c.RetentionMs)
	}
	if c.RingCapacity <= 0 {
		return errors.Newf(errors.CategoryConfig, "config.Validate", "ringCapacity must be positive, got %d", c.RingCapacity)
	}
	if c.Bus.BufferSize <= 0 {
		return errors.Newf(errors.CategoryConfig, "config.Validate", "bus.bufferSize must be positive, got %d", c.Bus.BufferSize)
	}
	if c.Models.FailurePrediction.Lookback <= 0 {
		return errors.New(errors.CategoryConfig, "config.Validate", "models.failurePrediction.lookback must be positive")
	}
	if t := c.Models.FailurePrediction.Threshold; t < 0 || t > 1 {
		return errors.Newf(errors.CategoryConfig, "config.Validate", "models.failurePrediction.threshold must be in [0,1], got %.2f", t)
	}
	if c.Models.Degradation.TrendWindow <= 0 {
		return errors.New(errors.CategoryConfig, "config.Validate", "models.degradation.trendWindow must be positive")
	}
	for name, p := range c.Policies {
		if p.MaxRetries < 0 || p.CooldownMs < 0 {
			return errors.Newf(errors.CategoryConfig, "config.Validate", "policy %s has negative retry or cooldown settings", name)
		}
	}
	for _, pair := range []struct {
		name string
		t    Threshold
	}{
		{"latency", c.Thresholds.Latency},
		{"cpu", c.Thresholds.CPU},
		{"memory", c.Thresholds.Memory},
		{"disk", c.Thresholds.Disk},
		{"errorRate", c.Thresholds.ErrorRate},
	} {
		if pair.t.Warning > pair.t.Critical {
			return errors.Newf(errors.CategoryConfig, "config.Validate", "thresholds.%s warning %.1f exceeds critical %.1f", pair.name, pair.t.Warning, pair.t.Critical)
		}
	}
	if c.Thresholds.Availability.Warning < c.Thresholds.Availability.Critical {
		return errors.New(errors.CategoryConfig, "config.Validate", "thresholds.availability warning must not be below critical (availability alerts fire when the value drops)")
	}
	return nil
}

// PolicyFor returns the named policy and whether it exists
func (c *Config) PolicyFor(name string) (Policy, bool) {
	p, ok := c.Policies[name]
	return p, ok
}

// String renders a short summary for startup logging
func (c *Config) String() string {
	return fmt.Sprintf("interval=%s retention=%s ring=%d dataDir=%s bridge=%t",
		c.UpdateInterval(), c.Retention(), c.RingCapacity, c.DataDir, c.Bus.ExternalURL != "")
}
