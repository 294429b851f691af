// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package falsesharing detects cache-line contention from CrossSnoopHitm
// samples (spec §4.7).
package falsesharing

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
)

const (
	// DefaultWindowNs is how long a cache line must go quiet before its
	// accumulated state is evicted and considered for reporting.
	DefaultWindowNs int64 = 50_000_000 // 50ms
	// DefaultThreshold is the minimum total hit count to report a line.
	DefaultThreshold uint64 = 100
	// cacheLineMask clears the low 6 bits, collapsing an address to its
	// 64-byte cache line.
	cacheLineMask uint64 = ^uint64(63)
	// maxSingleCPUShare rejects lines dominated by a single CPU (not
	// cross-core contention).
	maxSingleCPUShare = 0.9
)

// Resolver is the subset of the symbolizer this detector depends on.
type Resolver interface {
	ResolveData(pid uint32, addr uint64) uint64
}

// Config controls the eviction window and reporting threshold.
type Config struct {
	WindowNs  int64
	Threshold uint64
}

func (c *Config) applyDefaults() {
	if c.WindowNs <= 0 {
		c.WindowNs = DefaultWindowNs
	}
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
}

// FalseSharingFinding is emitted for a cache line with cross-CPU
// contention (spec §4.7).
type FalseSharingFinding struct {
	LineAddr    uint64
	TotalHits   uint64
	CPUHits     map[uint32]uint64
	DominantPID uint32
	Object      uint64
}

type lineState struct {
	totalHits uint64
	lastTsc   int64
	cpuHits   map[uint32]uint64
	pidHits   map[uint32]uint64
}

// Detector is the False-Sharing Detector component.
type Detector struct {
	cfg        Config
	logger     logr.Logger
	symbolizer Resolver

	mu    sync.Mutex
	lines map[uint64]*lineState
}

// New creates a Detector.
func New(cfg Config, symbolizer Resolver, logger logr.Logger) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:        cfg,
		logger:     logger.WithName("false-sharing-detector"),
		symbolizer: symbolizer,
		lines:      make(map[uint64]*lineState),
	}
}

// Observe folds one CrossSnoopHitm sample into its cache line's state.
// Callers are expected to have already filtered to CrossSnoopHitm samples
// (spec §4.7: "Observes only CrossSnoopHitm samples").
func (d *Detector) Observe(s sample.Sample) {
	line := s.DataAddr & cacheLineMask

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.lines[line]
	if !ok {
		st = &lineState{cpuHits: make(map[uint32]uint64), pidHits: make(map[uint32]uint64)}
		d.lines[line] = st
	}
	st.totalHits++
	st.lastTsc = int64(s.TscRaw)
	st.cpuHits[s.CPU]++
	st.pidHits[s.PID]++
}

// Flush evicts every cache line whose last_tsc is older than window_ns and
// reports the ones that pass the contention filters (spec §4.7).
func (d *Detector) Flush(nowTsc int64, callback func(FalseSharingFinding)) {
	d.mu.Lock()
	stale := make(map[uint64]*lineState)
	for addr, st := range d.lines {
		if nowTsc-st.lastTsc >= d.cfg.WindowNs {
			stale[addr] = st
			delete(d.lines, addr)
		}
	}
	d.mu.Unlock()

	for addr, st := range stale {
		if !d.passesFilters(st) {
			continue
		}

		dominantPID, dominantHits := uint32(0), uint64(0)
		for pid, hits := range st.pidHits {
			if hits > dominantHits {
				dominantPID, dominantHits = pid, hits
			}
		}

		finding := FalseSharingFinding{
			LineAddr:    addr,
			TotalHits:   st.totalHits,
			CPUHits:     st.cpuHits,
			DominantPID: dominantPID,
			Object:      d.symbolizer.ResolveData(dominantPID, addr),
		}
		callback(finding)
	}
}

func (d *Detector) passesFilters(st *lineState) bool {
	if st.totalHits < d.cfg.Threshold {
		return false
	}
	if len(st.cpuHits) < 2 {
		return false
	}
	var maxCPUHits uint64
	for _, hits := range st.cpuHits {
		if hits > maxCPUHits {
			maxCPUHits = hits
		}
	}
	if float64(maxCPUHits) >= maxSingleCPUShare*float64(st.totalHits) {
		return false
	}
	return true
}
