// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package remotedram_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/remotedram"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSingleSampleEmission reproduces spec's S6 scenario exactly: window
// 1000ns, one sample {flow=0, ifindex=3, numa=1, tsc=1000}, flush at
// now_tsc=3000 => exactly one finding {ifindex=3, samples=1}.
func TestSingleSampleEmission(t *testing.T) {
	a := remotedram.New(remotedram.Config{WindowNs: 1000}, logr.Discard())

	a.Observe(sample.Sample{FlowID: 0, IngressIfindex: 3, NUMANode: 1, TscRaw: 1000})

	var findings []remotedram.Finding
	a.Flush(3000, func(f remotedram.Finding) { findings = append(findings, f) })

	require.Len(t, findings, 1)
	assert.Equal(t, uint16(3), findings[0].Ifindex)
	assert.Equal(t, uint64(1), findings[0].SamplesInWindow)
	assert.Equal(t, uint64(0), findings[0].FlowID)
	assert.Equal(t, uint16(1), findings[0].NUMANode)
}

func TestEntryNotEvictedWithinWindow(t *testing.T) {
	a := remotedram.New(remotedram.Config{WindowNs: 1000}, logr.Discard())
	a.Observe(sample.Sample{FlowID: 1, IngressIfindex: 2, NUMANode: 0, TscRaw: 1000})

	var findings []remotedram.Finding
	a.Flush(1500, func(f remotedram.Finding) { findings = append(findings, f) })
	assert.Empty(t, findings)
}

func TestDistinctKeysTrackedIndependently(t *testing.T) {
	a := remotedram.New(remotedram.Config{WindowNs: 1000}, logr.Discard())

	a.Observe(sample.Sample{FlowID: 1, IngressIfindex: 2, NUMANode: 0, TscRaw: 1000})
	a.Observe(sample.Sample{FlowID: 1, IngressIfindex: 2, NUMANode: 0, TscRaw: 1010})
	a.Observe(sample.Sample{FlowID: 2, IngressIfindex: 9, NUMANode: 0, TscRaw: 1000})

	var findings []remotedram.Finding
	a.Flush(3000, func(f remotedram.Finding) { findings = append(findings, f) })

	require.Len(t, findings, 2)
	total := uint64(0)
	for _, f := range findings {
		total += f.SamplesInWindow
	}
	assert.Equal(t, uint64(3), total)
}
