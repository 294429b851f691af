// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestSample(t *testing.T, s sample.Sample, branches []sample.BranchEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v any) {
		require.NoError(t, binary.Write(&buf, le, v))
	}

	write(s.TscRaw)
	write(s.CPU)
	write(s.PID)
	write(s.TID)
	write(s.PMUEvent)
	write(s.IP)
	write(s.DataAddr)
	write(s.FlowID)
	write(s.GSOSegs)
	write(s.IngressIfindex)
	write(s.NUMANode)
	write(s.L4Proto)
	write(uint8(s.Direction))
	write(uint8(len(branches)))

	for i := 0; i < sample.MaxBranchEntries; i++ {
		if i < len(branches) {
			write(branches[i].From)
			write(branches[i].To)
		} else {
			write(uint64(0))
			write(uint64(0))
		}
	}

	return buf.Bytes()
}

func TestDecodeRoundTrip(t *testing.T) {
	in := sample.Sample{
		TscRaw:         12345,
		CPU:            3,
		PID:            100,
		TID:            101,
		PMUEvent:       uint32(sample.EventL3Miss),
		IP:             0x401000,
		DataAddr:       0x7fff0000,
		FlowID:         7,
		GSOSegs:        4,
		IngressIfindex: 2,
		NUMANode:       1,
		L4Proto:        6,
		Direction:      sample.DirectionRX,
	}
	branches := []sample.BranchEntry{{From: 1, To: 2}, {From: 3, To: 4}}

	wire := encodeTestSample(t, in, branches)
	out, stack, err := sample.Decode(bytes.NewReader(wire))
	require.NoError(t, err)

	assert.Equal(t, in.TscRaw, out.TscRaw)
	assert.Equal(t, in.FlowID, out.FlowID)
	assert.Equal(t, in.GSOSegs, out.GSOSegs)
	assert.Len(t, stack, 2)
	assert.Equal(t, branches[0], stack[0])
}

func TestDecodeTruncatesBranchCount(t *testing.T) {
	in := sample.Sample{FlowID: 1}
	wire := encodeTestSample(t, in, nil)
	// Corrupt BranchCount field to claim more entries than the fixed slot.
	wire[sampleOffsetForTest()] = 255

	_, stack, err := sample.Decode(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Len(t, stack, sample.MaxBranchEntries)
}

// sampleOffsetForTest returns the byte offset of BranchCount within the
// fixed Sample header, matching the field order Decode expects.
func sampleOffsetForTest() int {
	return 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4 + 2 + 2 + 1 + 1
}

func TestAttributionKeyHashStableAndDistinguishing(t *testing.T) {
	k1 := sample.AttributionKey{FlowID: 1, FunctionID: 2, PMUEvent: 3}
	k2 := k1
	assert.Equal(t, k1.Hash(), k2.Hash())

	k2.NUMANode = 9
	assert.NotEqual(t, k1.Hash(), k2.Hash())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, sample.ClassDataPath, sample.Classify(sample.EventL3Miss))
	assert.Equal(t, sample.ClassTopologyInterconnect, sample.Classify(sample.EventRemoteDram))
	assert.Equal(t, sample.ClassUnknown, sample.Classify(sample.EventKind(99)))
}
