// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mode implements the Sentinel/Diagnostic hysteretic state machine
// (spec §4.10).
package mode

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Mode is one of the controller's two states.
type Mode uint8

const (
	Sentinel Mode = iota
	Diagnostic
)

func (m Mode) String() string {
	if m == Diagnostic {
		return "diagnostic"
	}
	return "sentinel"
}

// AnomalySignal mirrors the Anomaly Monitor's emission (spec glossary).
type AnomalySignal struct {
	Kind        SignalKind
	Ratio       float64
	Value       float64
	TimestampNs uint64
}

// SignalKind distinguishes the two anomaly kinds the Mode Controller acts
// on (spec §4.9, §4.10).
type SignalKind uint8

const (
	ThroughputDrop SignalKind = iota
	LatencySpike
)

// Config holds the controller's thresholds (spec §4.10). Hysteresis
// requires SentinelToDiag > DiagToSentinel.
type Config struct {
	SentinelToDiag         float64
	DiagToSentinel         float64
	ThroughputRatioTrigger float64
	LatencyRatioTrigger    float64
	QuietPeriod            time.Duration
	Now                    func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SentinelToDiag <= 0 {
		c.SentinelToDiag = 1.10
	}
	if c.DiagToSentinel <= 0 {
		c.DiagToSentinel = 1.02
	}
	if c.ThroughputRatioTrigger <= 0 {
		c.ThroughputRatioTrigger = 0.85
	}
	if c.LatencyRatioTrigger <= 0 {
		c.LatencyRatioTrigger = 1.3
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Controller is the Mode Controller component.
type Controller struct {
	cfg    Config
	logger logr.Logger

	mu            sync.Mutex
	current       Mode
	lastAnomalyTs time.Time
}

// New creates a Controller starting in Sentinel mode.
func New(cfg Config, logger logr.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg, logger: logger.WithName("mode-controller"), current: Sentinel}
}

// Current reports the active mode.
func (c *Controller) Current() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) holdActive() bool {
	if c.lastAnomalyTs.IsZero() {
		return false
	}
	return c.cfg.Now().Before(c.lastAnomalyTs.Add(c.cfg.QuietPeriod))
}

// Update applies the periodic load_ratio input from the flush cycle (spec
// §4.10).
func (c *Controller) Update(loadRatio float64) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.current {
	case Sentinel:
		if loadRatio > c.cfg.SentinelToDiag {
			c.transitionLocked(Diagnostic)
		}
	case Diagnostic:
		if !c.holdActive() && loadRatio < c.cfg.DiagToSentinel {
			c.transitionLocked(Sentinel)
		}
	}
	return c.current
}

// NotifyAnomaly applies an AnomalySignal. A signal that crosses its own
// trigger extends the quiet period and, if currently Sentinel, forces an
// immediate transition to Diagnostic (spec §4.10).
func (c *Controller) NotifyAnomaly(signal AnomalySignal) Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	qualifies := (signal.Kind == ThroughputDrop && signal.Ratio < c.cfg.ThroughputRatioTrigger) ||
		(signal.Kind == LatencySpike && signal.Ratio > c.cfg.LatencyRatioTrigger)
	if !qualifies {
		return c.current
	}

	c.lastAnomalyTs = c.cfg.Now()
	if c.current == Sentinel {
		c.transitionLocked(Diagnostic)
	}
	return c.current
}

// Force bypasses the state machine, per a control-plane override (spec
// §4.10, §4.14).
func (c *Controller) Force(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = m
}

func (c *Controller) transitionLocked(m Mode) {
	if c.current == m {
		return
	}
	c.logger.Info("mode transition", "from", c.current, "to", m)
	c.current = m
}
