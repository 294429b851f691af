// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package rotator implements the PMU Rotator: a background task that
// cycles the kernel sampler through its configured event groups (spec
// §4.11).
package rotator

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
)

// DefaultWindow is how long the rotator dwells on one event group before
// advancing to the next.
const DefaultWindow = 5 * time.Second

// Controller is the subset of the kernel sampler the rotator drives.
type Controller interface {
	GroupCount() int
	CurrentIndex() int
	AttachGroup(index int) error
}

// Config controls the rotation cadence.
type Config struct {
	Window time.Duration
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
}

// Rotator is the PMU Rotator component.
type Rotator struct {
	cfg        Config
	logger     logr.Logger
	controller Controller
	onScale    func(float64)

	mu         sync.Mutex
	groupCount int
	index      int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Rotator.
func New(cfg Config, controller Controller, logger logr.Logger) *Rotator {
	cfg.applyDefaults()
	return &Rotator{cfg: cfg, logger: logger.WithName("pmu-rotator"), controller: controller}
}

// Start records the initial group count/index from the controller,
// publishes the initial scale, and launches the background rotation loop
// (spec §4.11).
func (r *Rotator) Start(initialMode mode.Mode, onScale func(float64)) {
	r.onScale = onScale
	r.mu.Lock()
	r.groupCount = r.controller.GroupCount()
	r.index = r.controller.CurrentIndex()
	r.mu.Unlock()

	r.logger.V(1).Info("pmu rotator starting", "mode", initialMode, "group_count", r.groupCount, "index", r.index)
	r.publishScale()

	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the background rotation loop.
func (r *Rotator) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Rotator) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RotateOnce()
		}
	}
}

// RotateOnce performs a single rotation step: if more than one group is
// configured, attach the next one in sequence. On failure, refresh state
// from the controller instead of advancing (spec §4.11).
func (r *Rotator) RotateOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groupCount <= 1 {
		return
	}

	next := (r.index + 1) % r.groupCount
	if err := r.controller.AttachGroup(next); err != nil {
		r.logger.Error(err, "failed to rotate pmu event group", "next_index", next)
		r.refreshLocked()
		return
	}
	r.index = next
}

// UpdateMode signals the rotator to refresh its group count/index
// immediately, after the orchestrator has reprogrammed the sampler with
// the new mode's groups. It does not itself change the mode (spec §4.11).
func (r *Rotator) UpdateMode() {
	r.mu.Lock()
	r.refreshLocked()
	r.mu.Unlock()
	r.publishScale()
}

func (r *Rotator) refreshLocked() {
	r.groupCount = r.controller.GroupCount()
	r.index = r.controller.CurrentIndex()
}

func (r *Rotator) publishScale() {
	if r.onScale == nil {
		return
	}
	r.mu.Lock()
	scale := float64(r.groupCount)
	r.mu.Unlock()
	if scale < 1 {
		scale = 1
	}
	r.onScale(scale)
}
