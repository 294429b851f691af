// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package calibrator maintains a per-CPU affine model mapping kernel
// tsc_raw values onto a shared nanosecond clock (spec §4.2).
package calibrator

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Config controls the calibrator's smoothing and enable/disable behavior.
type Config struct {
	// Enabled turns calibration on. When false, Normalize returns raw
	// unchanged (spec §4.2 step 1).
	Enabled bool

	// SlopeAlpha and OffsetAlpha are the EWMA smoothing factors, clamped
	// to [0.001, 0.5] regardless of the configured value.
	SlopeAlpha  float64
	OffsetAlpha float64

	// Now returns the shared monotonic clock in nanoseconds. Defaults to
	// a wrapper over time.Now().UnixNano() when nil; tests substitute a
	// deterministic clock.
	Now func() int64
}

func (c *Config) applyDefaults() {
	if c.SlopeAlpha <= 0 {
		c.SlopeAlpha = 0.1
	}
	if c.OffsetAlpha <= 0 {
		c.OffsetAlpha = 0.1
	}
	c.SlopeAlpha = clamp(c.SlopeAlpha, 0.001, 0.5)
	c.OffsetAlpha = clamp(c.OffsetAlpha, 0.001, 0.5)
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UnixNano() }
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CpuCalibrationModel is the per-CPU affine model (spec §3). It is created
// on first sample from a CPU and mutated only while the calibrator's
// single mutex, shared by all CPUs, is held.
type CpuCalibrationModel struct {
	Slope             float64
	OffsetNs          float64
	LastRaw           uint64
	LastRef           int64
	Initialized       bool
	PassthroughSteady bool
}

// Calibrator is the Time Calibrator component. Thread-safe: a single mutex
// serializes updates across all CPUs, matching spec §4.2's "single mutex"
// requirement.
type Calibrator struct {
	cfg    Config
	logger logr.Logger

	mu     sync.Mutex
	models map[uint32]*CpuCalibrationModel
}

// New creates a Calibrator. Zero-value Config fields are filled with
// spec-mandated defaults.
func New(cfg Config, logger logr.Logger) *Calibrator {
	cfg.applyDefaults()
	return &Calibrator{
		cfg:    cfg,
		logger: logger.WithName("calibrator"),
		models: make(map[uint32]*CpuCalibrationModel),
	}
}

// Normalize maps a raw per-CPU tsc value onto the shared nanosecond clock
// (spec §4.2).
func (c *Calibrator) Normalize(cpu uint32, raw uint64) int64 {
	if !c.cfg.Enabled {
		return int64(raw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	model, ok := c.models[cpu]
	if !ok {
		model = &CpuCalibrationModel{}
		c.models[cpu] = model
	}

	nowNs := c.cfg.Now()

	if !model.Initialized {
		ratio := float64(raw) / float64(nowNs)
		if ratio > 0.75 && ratio < 1.5 {
			model.PassthroughSteady = true
			model.Initialized = true
			model.LastRaw = raw
			model.LastRef = nowNs
			c.logger.V(1).Info("cpu clock detected already shared-ns, enabling passthrough", "cpu", cpu)
			return int64(raw)
		}

		model.Slope = 1.0
		model.OffsetNs = float64(nowNs) - float64(raw)
		model.Initialized = true
		model.LastRaw = raw
		model.LastRef = nowNs
		return nowNs
	}

	if model.PassthroughSteady {
		model.LastRaw = raw
		model.LastRef = nowNs
		return int64(raw)
	}

	deltaRaw := float64(raw) - float64(model.LastRaw)
	deltaRef := float64(nowNs) - float64(model.LastRef)

	if deltaRaw > 0 && deltaRef > 0 {
		slopeEst := deltaRef / deltaRaw
		if slopeEst > 0 && slopeEst < 10 {
			model.Slope = (1-c.cfg.SlopeAlpha)*model.Slope + c.cfg.SlopeAlpha*slopeEst
		}
	}

	offsetEst := float64(nowNs) - model.Slope*float64(raw)
	model.OffsetNs = (1-c.cfg.OffsetAlpha)*model.OffsetNs + c.cfg.OffsetAlpha*offsetEst

	model.LastRaw = raw
	model.LastRef = nowNs

	result := model.Slope*float64(raw) + model.OffsetNs
	if result < 0 {
		return 0
	}
	return int64(result)
}

// CpuSnapshot is a point-in-time copy of one CPU's calibration model,
// exposed for metrics export (spec §4.2).
type CpuSnapshot struct {
	CPU   uint32
	Model CpuCalibrationModel
}

// Snapshot returns a copy of every CPU's current calibration model.
func (c *Calibrator) Snapshot() []CpuSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CpuSnapshot, 0, len(c.models))
	for cpu, m := range c.models {
		out = append(out, CpuSnapshot{CPU: cpu, Model: *m})
	}
	return out
}
