// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aggregator rolls samples up into a single in-memory table keyed
// by AttributionKey (spec §4.6).
package aggregator

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
)

// DefaultMaxEntries bounds the table before the overflow guard sheds it
// (spec §4.6 step 6, Open Question #1: kept as a hard cap + shed counter).
const DefaultMaxEntries = 1 << 20

// Resolver is the subset of the symbolizer the aggregator depends on.
type Resolver interface {
	ResolveFunction(pid uint32, ip uint64) uint64
	ResolveStack(pid uint32, ip uint64, branches sample.BranchStack) uint64
	ResolveData(pid uint32, addr uint64) uint64
}

// Config controls bucketing and the overflow shed threshold.
type Config struct {
	WindowNs   int64 // 0 disables bucketing; bucket_index becomes tsc itself.
	MaxEntries int
}

func (c *Config) applyDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
}

// Aggregator is the spec §4.6 rollup table.
type Aggregator struct {
	cfg        Config
	logger     logr.Logger
	symbolizer Resolver

	sampleScale atomic.Uint64 // math.Float64bits: inverse duty cycle of the active event group (spec §4.6).
	shedCount   atomic.Uint64 // gauge: number of times the whole table was dropped on overflow.

	mu    sync.Mutex
	table map[sample.AttributionKey]*sample.AggregatedValue
}

// New creates an Aggregator. sample_scale starts at 1.0 (no normalization
// until the PMU Rotator publishes its first duty-cycle estimate).
func New(cfg Config, symbolizer Resolver, logger logr.Logger) *Aggregator {
	cfg.applyDefaults()
	a := &Aggregator{
		cfg:        cfg,
		logger:     logger.WithName("aggregator"),
		symbolizer: symbolizer,
		table:      make(map[sample.AttributionKey]*sample.AggregatedValue),
	}
	a.sampleScale.Store(math.Float64bits(1.0))
	return a
}

// SetSampleScale publishes a new inverse duty-cycle scale. Called by the
// PMU Rotator on every rotation (spec §4.6, §4.11).
func (a *Aggregator) SetSampleScale(scale float64) {
	a.sampleScale.Store(math.Float64bits(scale))
}

func (a *Aggregator) sampleScaleLoad() float64 {
	return math.Float64frombits(a.sampleScale.Load())
}

// Add folds one (sample, branch_stack) pair into the table (spec §4.6
// steps 1-6).
func (a *Aggregator) Add(s sample.Sample, bs sample.BranchStack) {
	functionID := a.symbolizer.ResolveFunction(s.PID, s.IP)
	stackID := a.symbolizer.ResolveStack(s.PID, s.IP, bs)

	var dataObjectID uint64
	if s.DataAddr != 0 {
		dataObjectID = a.symbolizer.ResolveData(s.PID, s.DataAddr)
	}

	class := sample.Classify(sample.EventKind(s.PMUEvent))

	var bucketIndex uint64
	if a.cfg.WindowNs > 0 {
		bucketIndex = s.TscRaw / uint64(a.cfg.WindowNs)
	} else {
		bucketIndex = s.TscRaw
	}

	key := sample.AttributionKey{
		FlowID:            s.FlowID,
		FunctionID:        functionID,
		StackID:           stackID,
		DataObjectID:      dataObjectID,
		PMUEvent:          s.PMUEvent,
		NUMANode:          s.NUMANode,
		InterferenceClass: class,
		Direction:         s.Direction,
		BucketIndex:       bucketIndex,
	}

	gso := s.GSOSegs
	if gso == 0 {
		gso = 1
	}
	weight := a.sampleScaleLoad() / float64(gso)

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.table) >= a.cfg.MaxEntries {
		if _, exists := a.table[key]; !exists {
			a.shedCount.Add(1)
			a.logger.Info("aggregator table full, shedding entire table", "max_entries", a.cfg.MaxEntries)
			a.table = make(map[sample.AttributionKey]*sample.AggregatedValue)
		}
	}

	v, ok := a.table[key]
	if !ok {
		v = &sample.AggregatedValue{}
		a.table[key] = v
	}
	v.Samples++
	v.NormCost += weight
}

// ShedCount reports how many times the table has been dropped for
// exceeding max_entries, for the Metrics Exporter to surface as a gauge.
func (a *Aggregator) ShedCount() uint64 {
	return a.shedCount.Load()
}

// Flush atomically swaps the table for an empty one, invokes callback for
// every entry, and returns the sum of samples across the swapped-out table
// (spec §4.6).
func (a *Aggregator) Flush(callback func(sample.AttributionKey, sample.AggregatedValue)) uint64 {
	a.mu.Lock()
	swapped := a.table
	a.table = make(map[sample.AttributionKey]*sample.AggregatedValue)
	a.mu.Unlock()

	var total uint64
	for k, v := range swapped {
		total += v.Samples
		callback(k, *v)
	}
	return total
}
