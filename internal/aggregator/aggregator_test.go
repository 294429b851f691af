// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package aggregator_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/aggregator"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{}

func (fakeResolver) ResolveFunction(pid uint32, ip uint64) uint64 { return ip + 1 }
func (fakeResolver) ResolveStack(pid uint32, ip uint64, branches sample.BranchStack) uint64 {
	return ip + 2
}
func (fakeResolver) ResolveData(pid uint32, addr uint64) uint64 {
	if addr == 0 {
		return 0
	}
	return addr + 3
}

// TestGSONormalization reproduces the spec's worked example: gso_segs=4,
// window_ns=100, scale=1.0 must yield norm_cost in (0.24, 0.26).
func TestGSONormalization(t *testing.T) {
	a := aggregator.New(aggregator.Config{WindowNs: 100}, fakeResolver{}, logr.Discard())

	a.Add(sample.Sample{TscRaw: 500, PID: 1, IP: 0x1000, GSOSegs: 4, PMUEvent: uint32(sample.EventL3Miss)}, nil)

	var norm float64
	var samples uint64
	total := a.Flush(func(k sample.AttributionKey, v sample.AggregatedValue) {
		norm = v.NormCost
		samples = v.Samples
	})

	assert.Equal(t, uint64(1), samples)
	assert.Equal(t, uint64(1), total)
	assert.Greater(t, norm, 0.24)
	assert.Less(t, norm, 0.26)
}

func TestGSOSegsZeroTreatedAsOne(t *testing.T) {
	a := aggregator.New(aggregator.Config{}, fakeResolver{}, logr.Discard())
	a.Add(sample.Sample{TscRaw: 1, PID: 1, IP: 0x1000, GSOSegs: 0, PMUEvent: uint32(sample.EventL3Miss)}, nil)

	var norm float64
	a.Flush(func(k sample.AttributionKey, v sample.AggregatedValue) { norm = v.NormCost })
	assert.InDelta(t, 1.0, norm, 1e-9)
}

func TestFlushSwapsAndClearsTable(t *testing.T) {
	a := aggregator.New(aggregator.Config{}, fakeResolver{}, logr.Discard())
	a.Add(sample.Sample{TscRaw: 1, PID: 1, IP: 0x1000, GSOSegs: 1, PMUEvent: uint32(sample.EventL3Miss)}, nil)

	first := a.Flush(func(sample.AttributionKey, sample.AggregatedValue) {})
	require.Equal(t, uint64(1), first)

	var called bool
	second := a.Flush(func(sample.AttributionKey, sample.AggregatedValue) { called = true })
	assert.Equal(t, uint64(0), second)
	assert.False(t, called, "flushing an empty table must not invoke the callback")
}

func TestWindowNsZeroUsesRawTSCAsBucket(t *testing.T) {
	a := aggregator.New(aggregator.Config{WindowNs: 0}, fakeResolver{}, logr.Discard())
	a.Add(sample.Sample{TscRaw: 777, PID: 1, IP: 0x1000, GSOSegs: 1, PMUEvent: uint32(sample.EventL3Miss)}, nil)

	var key sample.AttributionKey
	a.Flush(func(k sample.AttributionKey, v sample.AggregatedValue) { key = k })
	assert.Equal(t, uint64(777), key.BucketIndex)
}

func TestOverflowShedsWholeTable(t *testing.T) {
	a := aggregator.New(aggregator.Config{MaxEntries: 2}, fakeResolver{}, logr.Discard())

	a.Add(sample.Sample{TscRaw: 1, PID: 1, IP: 0x1000, GSOSegs: 1, PMUEvent: uint32(sample.EventL3Miss)}, nil)
	a.Add(sample.Sample{TscRaw: 1, PID: 1, IP: 0x2000, GSOSegs: 1, PMUEvent: uint32(sample.EventL3Miss)}, nil)
	require.Equal(t, uint64(0), a.ShedCount())

	// A third distinct key pushes the table over MaxEntries, shedding it.
	a.Add(sample.Sample{TscRaw: 1, PID: 1, IP: 0x3000, GSOSegs: 1, PMUEvent: uint32(sample.EventL3Miss)}, nil)
	assert.Equal(t, uint64(1), a.ShedCount())

	total := a.Flush(func(sample.AttributionKey, sample.AggregatedValue) {})
	assert.Equal(t, uint64(1), total, "only the post-shed entry should remain")
}

func TestDataAddrZeroSkipsResolution(t *testing.T) {
	a := aggregator.New(aggregator.Config{}, fakeResolver{}, logr.Discard())
	a.Add(sample.Sample{TscRaw: 1, PID: 1, IP: 0x1000, DataAddr: 0, GSOSegs: 1, PMUEvent: uint32(sample.EventL3Miss)}, nil)

	var key sample.AttributionKey
	a.Flush(func(k sample.AttributionKey, v sample.AggregatedValue) { key = k })
	assert.Equal(t, uint64(0), key.DataObjectID)
}
