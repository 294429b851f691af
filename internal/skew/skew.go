// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package skew implements the per-CPU short window that back-fills missing
// flow identifiers by TSC proximity (spec §4.3).
package skew

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
)

const (
	// DefaultCapacity is the per-CPU FIFO capacity.
	DefaultCapacity = 4
	// DefaultToleranceNs bounds how far a donor flow_id may be from the
	// sample it backfills.
	DefaultToleranceNs = 2000
)

// Config controls the adjuster's window size and backfill tolerance.
type Config struct {
	Capacity    int
	ToleranceNs int64
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.ToleranceNs <= 0 {
		c.ToleranceNs = DefaultToleranceNs
	}
}

type entry struct {
	s  sample.Sample
	bs sample.BranchStack
}

// Emitted pairs a sample with its branch stack as it leaves the adjuster.
type Emitted struct {
	Sample sample.Sample
	Stack  sample.BranchStack
}

// Adjuster is the Skew Adjuster component. Each CPU's FIFO is independent
// and guarded by the Adjuster's single mutex (small, bounded state; a
// per-CPU lock would add nothing spec §5 requires here since pushes are
// expected to arrive from that CPU's single sample-source worker).
type Adjuster struct {
	cfg    Config
	logger logr.Logger

	mu     sync.Mutex
	queues map[uint32][]entry
}

// New creates an Adjuster.
func New(cfg Config, logger logr.Logger) *Adjuster {
	cfg.applyDefaults()
	return &Adjuster{
		cfg:    cfg,
		logger: logger.WithName("skew-adjuster"),
		queues: make(map[uint32][]entry),
	}
}

// Push enqueues a newly arrived sample on its CPU's queue, rescans for
// backfill candidates, and returns every entry the push causes to be
// emitted — everything but the newest entry on that CPU's queue (spec
// §4.3 steps 1-3).
func (a *Adjuster) Push(s sample.Sample, bs sample.BranchStack) []Emitted {
	a.mu.Lock()
	defer a.mu.Unlock()

	q := append(a.queues[s.CPU], entry{s: s, bs: bs})
	a.backfill(q)

	emitted := make([]entry, 0, len(q))
	if len(q) > 1 {
		emitted = append(emitted, q[:len(q)-1]...)
		q = q[len(q)-1:]
	}

	// Safety net: if rescanning ever left more than one entry behind
	// (e.g. capacity misconfigured smaller than 1), trim further.
	for len(q) > a.cfg.Capacity {
		emitted = append(emitted, q[0])
		q = q[1:]
	}

	a.queues[s.CPU] = q

	return toEmitted(emitted)
}

// backfill rescans q in place: every flow_id==0 entry adopts the nearest
// non-zero flow_id among neighbors within ToleranceNs, searching both
// directions. The queue is TSC-ordered, so walking outward from an index
// visits strictly increasing distances; the first out-of-tolerance
// neighbor in a direction ends that direction's search (spec §4.3 step 2).
func (a *Adjuster) backfill(q []entry) {
	for i := range q {
		if q[i].s.FlowID != sample.Unattributed {
			continue
		}

		var (
			leftFlow, rightFlow uint64
			leftDist, rightDist int64
			haveLeft, haveRight bool
		)

		tsc := int64(q[i].s.TscRaw)

		for j := i - 1; j >= 0; j-- {
			d := tsc - int64(q[j].s.TscRaw)
			if d < 0 {
				d = -d
			}
			if d > a.cfg.ToleranceNs {
				break
			}
			if q[j].s.FlowID != sample.Unattributed {
				leftFlow, leftDist, haveLeft = q[j].s.FlowID, d, true
				break
			}
		}

		for j := i + 1; j < len(q); j++ {
			d := int64(q[j].s.TscRaw) - tsc
			if d < 0 {
				d = -d
			}
			if d > a.cfg.ToleranceNs {
				break
			}
			if q[j].s.FlowID != sample.Unattributed {
				rightFlow, rightDist, haveRight = q[j].s.FlowID, d, true
				break
			}
		}

		switch {
		case haveLeft && haveRight:
			if leftDist <= rightDist {
				q[i].s.FlowID = leftFlow
			} else {
				q[i].s.FlowID = rightFlow
			}
		case haveLeft:
			q[i].s.FlowID = leftFlow
		case haveRight:
			q[i].s.FlowID = rightFlow
		}
	}
}

// FlushAll drains every remaining entry on every CPU's queue, preserving
// per-CPU insertion order, for use at shutdown (spec §4.3, §4.15).
func (a *Adjuster) FlushAll() []Emitted {
	a.mu.Lock()
	defer a.mu.Unlock()

	var emitted []entry
	for cpu, q := range a.queues {
		emitted = append(emitted, q...)
		delete(a.queues, cpu)
	}
	return toEmitted(emitted)
}

func toEmitted(entries []entry) []Emitted {
	out := make([]Emitted, len(entries))
	for i, e := range entries {
		out[i] = Emitted{Sample: e.s, Stack: e.bs}
	}
	return out
}
