// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package falsesharing_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/falsesharing"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{}

func (fakeResolver) ResolveData(pid uint32, addr uint64) uint64 { return addr + 1 }

func observeN(d *falsesharing.Detector, n int, cpu uint32, pid uint32, tsc uint64) {
	for i := 0; i < n; i++ {
		d.Observe(sample.Sample{DataAddr: 0x1000, CPU: cpu, PID: pid, TscRaw: tsc})
	}
}

func TestCrossCPUContentionReported(t *testing.T) {
	d := falsesharing.New(falsesharing.Config{WindowNs: 1000, Threshold: 100}, fakeResolver{}, logr.Discard())

	observeN(d, 60, 0, 10, 1)
	observeN(d, 60, 1, 11, 1)

	var findings []falsesharing.FalseSharingFinding
	d.Flush(2000, func(f falsesharing.FalseSharingFinding) { findings = append(findings, f) })

	require.Len(t, findings, 1)
	assert.Equal(t, uint64(0x1000), findings[0].LineAddr)
	assert.Equal(t, uint64(120), findings[0].TotalHits)
	assert.Len(t, findings[0].CPUHits, 2)
}

func TestBelowThresholdNotReported(t *testing.T) {
	d := falsesharing.New(falsesharing.Config{WindowNs: 1000, Threshold: 100}, fakeResolver{}, logr.Discard())

	observeN(d, 10, 0, 10, 1)
	observeN(d, 10, 1, 11, 1)

	var findings []falsesharing.FalseSharingFinding
	d.Flush(2000, func(f falsesharing.FalseSharingFinding) { findings = append(findings, f) })
	assert.Empty(t, findings)
}

func TestSingleCPUDominanceRejected(t *testing.T) {
	d := falsesharing.New(falsesharing.Config{WindowNs: 1000, Threshold: 100}, fakeResolver{}, logr.Discard())

	observeN(d, 190, 0, 10, 1)
	observeN(d, 10, 1, 11, 1)

	var findings []falsesharing.FalseSharingFinding
	d.Flush(2000, func(f falsesharing.FalseSharingFinding) { findings = append(findings, f) })
	assert.Empty(t, findings, "single CPU holds 95% of hits, above the 0.9 dominance cap")
}

func TestLineNotYetStaleIsNotEvicted(t *testing.T) {
	d := falsesharing.New(falsesharing.Config{WindowNs: 1000, Threshold: 100}, fakeResolver{}, logr.Discard())

	observeN(d, 60, 0, 10, 900)
	observeN(d, 60, 1, 11, 900)

	var findings []falsesharing.FalseSharingFinding
	d.Flush(1500, func(f falsesharing.FalseSharingFinding) { findings = append(findings, f) })
	assert.Empty(t, findings, "line's last_tsc is within window_ns of now_tsc")

	d.Flush(2000, func(f falsesharing.FalseSharingFinding) { findings = append(findings, f) })
	assert.Len(t, findings, 1, "line should evict once it goes stale")
}

func TestDominantPIDIsHighestHitCount(t *testing.T) {
	d := falsesharing.New(falsesharing.Config{WindowNs: 1000, Threshold: 100}, fakeResolver{}, logr.Discard())

	observeN(d, 80, 0, 10, 1)
	observeN(d, 40, 1, 20, 1)

	var findings []falsesharing.FalseSharingFinding
	d.Flush(2000, func(f falsesharing.FalseSharingFinding) { findings = append(findings, f) })
	require.Len(t, findings, 1)
	assert.Equal(t, uint32(10), findings[0].DominantPID)
	assert.Equal(t, uint64(0x1001), findings[0].Object)
}
