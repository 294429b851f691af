// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernelsampler owns the kernel sampler's control surface: a
// map-backed key/value model abstracted behind a controller object (spec
// §6). The actual ring-buffer and perf_event attachment machinery is
// opaque external detail (spec §4.1); this package only defines the
// Attacher collaborator interface it drives.
package kernelsampler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
)

// TokenBucketConfig throttles the sampling rate (spec §6).
type TokenBucketConfig struct {
	MaxSamplesPerSec    uint64
	HardDropThresholdNs uint64
}

// EventDescriptor is one requested PMU event (spec §4.14, §6). Logical is
// populated when the request named a logical event ("l3_miss" etc);
// otherwise Type/Config carry the raw perf_event_attr fields directly.
type EventDescriptor struct {
	Name         string
	Type         uint32
	Config       uint64
	SamplePeriod uint64
	Precise      bool
	Logical      sample.EventKind
	HasLogical   bool
}

// Group is an ordered list of events attached together (spec §6). The
// controller attaches one group at a time; rotation is user-space driven.
type Group struct {
	Name   string
	Events []EventDescriptor
}

// Attacher performs the actual kernel-level attachment of one Group. This
// is the opaque external machinery spec §4.1 places out of scope; a real
// implementation programs perf_event_open/BPF_LINK calls via
// github.com/cilium/ebpf.
type Attacher interface {
	Attach(group Group) error
}

// Controller is the kernel sampler's control-surface object (spec §6). It
// implements internal/rotator.Controller.
type Controller struct {
	logger   logr.Logger
	attacher Attacher

	generation atomic.Uint64 // bumped on every token-bucket update, signals the kernel to reload.

	mu                 sync.Mutex
	bucket             TokenBucketConfig
	arms               map[mode.Mode][]Group
	activeArm          mode.Mode
	currentIndex       int
	activeLogicalEvent sample.EventKind
	allowlist          map[uint16]bool
	allowlistModeFlag  bool
}

// New creates a Controller. attacher may be nil in tests that only
// exercise state management.
func New(attacher Attacher, logger logr.Logger) *Controller {
	return &Controller{
		logger:    logger.WithName("kernel-sampler-controller"),
		attacher:  attacher,
		arms:      make(map[mode.Mode][]Group),
		allowlist: make(map[uint16]bool),
	}
}

// UpdateTokenBucket replaces the token-bucket config and bumps the
// generation counter so the kernel reloads it (spec §6).
func (c *Controller) UpdateTokenBucket(cfg TokenBucketConfig) {
	c.mu.Lock()
	c.bucket = cfg
	c.mu.Unlock()
	c.generation.Add(1)
}

// TokenBucket returns the currently active token-bucket config.
func (c *Controller) TokenBucket() TokenBucketConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bucket
}

// Generation returns the current token-bucket generation counter.
func (c *Controller) Generation() uint64 {
	return c.generation.Load()
}

// SetGroups atomically replaces the event groups for one mode arm (spec
// §4.14: "Applied atomically per arm").
func (c *Controller) SetGroups(arm mode.Mode, groups []Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arms[arm] = groups
}

// Groups returns the currently configured groups for arm.
func (c *Controller) Groups(arm mode.Mode) []Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arms[arm]
}

// SwitchArm makes arm the active arm and attaches its first group,
// resetting the rotation index (spec §4.15 apply_mode).
func (c *Controller) SwitchArm(arm mode.Mode) error {
	c.mu.Lock()
	groups := c.arms[arm]
	c.mu.Unlock()

	if len(groups) == 0 {
		c.mu.Lock()
		c.activeArm = arm
		c.currentIndex = 0
		c.mu.Unlock()
		return nil
	}

	if err := c.attach(groups[0]); err != nil {
		return fmt.Errorf("switching to arm %s: %w", arm, err)
	}

	c.mu.Lock()
	c.activeArm = arm
	c.currentIndex = 0
	c.mu.Unlock()
	return nil
}

// GroupCount implements internal/rotator.Controller for the active arm.
func (c *Controller) GroupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arms[c.activeArm])
}

// CurrentIndex implements internal/rotator.Controller.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentIndex
}

// AttachGroup implements internal/rotator.Controller: attaches the
// active arm's group at index.
func (c *Controller) AttachGroup(index int) error {
	c.mu.Lock()
	groups := c.arms[c.activeArm]
	c.mu.Unlock()

	if index < 0 || index >= len(groups) {
		return fmt.Errorf("group index %d out of range (have %d)", index, len(groups))
	}

	if err := c.attach(groups[index]); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentIndex = index
	if len(groups[index].Events) == 1 && groups[index].Events[0].HasLogical {
		c.activeLogicalEvent = groups[index].Events[0].Logical
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) attach(group Group) error {
	if c.attacher == nil {
		return nil
	}
	return c.attacher.Attach(group)
}

// ActiveLogicalEvent returns the single "current logical event" fallback
// value, used when the kernel lacks per-attachment cookies (spec §6).
func (c *Controller) ActiveLogicalEvent() sample.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLogicalEvent
}

// SetInterfaceAllowlist replaces the ifindex allowlist and its mode flag
// (spec §6).
func (c *Controller) SetInterfaceAllowlist(ifindices []uint16, modeFlag bool) {
	next := make(map[uint16]bool, len(ifindices))
	for _, idx := range ifindices {
		next[idx] = true
	}
	c.mu.Lock()
	c.allowlist = next
	c.allowlistModeFlag = modeFlag
	c.mu.Unlock()
}

// IfindexAllowed reports whether ifindex passes the allowlist. When the
// mode flag is false the allowlist is advisory only and everything is
// allowed (mirrors internal/filter's "empty means allow all" rule).
func (c *Controller) IfindexAllowed(ifindex uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.allowlistModeFlag || len(c.allowlist) == 0 {
		return true
	}
	return c.allowlist[ifindex]
}
