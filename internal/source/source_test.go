// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package source_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/hjjiang123/MicroSentinel/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeSample hand-rolls the wire encoding internal/sample.Decode expects,
// mirroring the field order and fixed 16-entry branch slot spec §6 defines.
func encodeSample(s sample.Sample, bs sample.BranchStack) []byte {
	buf := make([]byte, 0, 46+16*16)
	le := binary.LittleEndian

	u64 := func(v uint64) { b := make([]byte, 8); le.PutUint64(b, v); buf = append(buf, b...) }
	u32 := func(v uint32) { b := make([]byte, 4); le.PutUint32(b, v); buf = append(buf, b...) }
	u16 := func(v uint16) { b := make([]byte, 2); le.PutUint16(b, v); buf = append(buf, b...) }
	u8 := func(v uint8) { buf = append(buf, v) }

	u64(s.TscRaw)
	u32(s.CPU)
	u32(s.PID)
	u32(s.TID)
	u32(s.PMUEvent)
	u64(s.IP)
	u64(s.DataAddr)
	u64(s.FlowID)
	u32(s.GSOSegs)
	u16(s.IngressIfindex)
	u16(s.NUMANode)
	u8(s.L4Proto)
	u8(uint8(s.Direction))
	u8(uint8(len(bs)))

	slot := make([]byte, 16*16)
	for i, e := range bs {
		base := i * 16
		le.PutUint64(slot[base:], e.From)
		le.PutUint64(slot[base+8:], e.To)
	}
	buf = append(buf, slot...)
	return buf
}

type fakeReader struct {
	mu      sync.Mutex
	records []ringbuf.Record
	idx     int
	closed  bool
}

func (f *fakeReader) Read() (ringbuf.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
	if f.idx >= len(f.records) {
		// Block until Close() to simulate an idle reader awaiting data.
		f.mu.Unlock()
		for {
			time.Sleep(time.Millisecond)
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				return ringbuf.Record{}, ringbuf.ErrClosed
			}
			if f.idx < len(f.records) {
				break
			}
			f.mu.Unlock()
		}
	}
	rec := f.records[f.idx]
	f.idx++
	return rec, nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	readers map[uint32]*fakeReader
	failCPU map[uint32]bool
	opens   int
}

func (o *fakeOpener) Open(cpu uint32) (source.Reader, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failCPU[cpu] {
		return nil, errors.New("simulated attach failure")
	}
	return o.readers[cpu], nil
}

func TestDrainsDecodedSamplesInOrder(t *testing.T) {
	r := &fakeReader{records: []ringbuf.Record{
		{RawSample: encodeSample(sample.Sample{TscRaw: 1, CPU: 0, IP: 10, GSOSegs: 1}, nil)},
		{RawSample: encodeSample(sample.Sample{TscRaw: 2, CPU: 0, IP: 20, GSOSegs: 1}, sample.BranchStack{{From: 1, To: 2}})},
	}}
	opener := &fakeOpener{readers: map[uint32]*fakeReader{0: r}}

	src := source.New(source.Config{Groups: []source.CPUGroup{{NUMANode: 0, CPUs: []uint32{0}}}}, opener, logr.Discard())
	src.Start()
	defer src.Stop()

	first := <-src.Out()
	second := <-src.Out()

	assert.Equal(t, uint64(10), first.Sample.IP)
	assert.Equal(t, uint64(20), second.Sample.IP)
	require.Len(t, second.Branches, 1)
	assert.Equal(t, uint64(1), second.Branches[0].From)
	assert.False(t, src.IsSynthetic())
}

func TestLostRecordsAreSkippedNotFatal(t *testing.T) {
	r := &fakeReader{records: []ringbuf.Record{
		{LostSamples: 3},
		{RawSample: encodeSample(sample.Sample{TscRaw: 1, CPU: 0, IP: 7, GSOSegs: 1}, nil)},
	}}
	opener := &fakeOpener{readers: map[uint32]*fakeReader{0: r}}

	src := source.New(source.Config{Groups: []source.CPUGroup{{CPUs: []uint32{0}}}}, opener, logr.Discard())
	src.Start()
	defer src.Stop()

	emission := <-src.Out()
	assert.Equal(t, uint64(7), emission.Sample.IP)
}

func TestPermanentInitFailureFallsBackToSynthetic(t *testing.T) {
	opener := &fakeOpener{readers: map[uint32]*fakeReader{}, failCPU: map[uint32]bool{0: true, 1: true}}

	src := source.New(source.Config{
		Groups:           []source.CPUGroup{{CPUs: []uint32{0, 1}}},
		SyntheticCadence: 5 * time.Millisecond,
		SyntheticJitter:  0,
		NewReattachBackoff: func() backoff.BackOff {
			return &backoff.StopBackOff{} // never retry in this test
		},
	}, opener, logr.Discard())
	src.Start()
	defer src.Stop()

	select {
	case emission := <-src.Out():
		assert.Equal(t, uint32(sample.EventUnknown), emission.Sample.PMUEvent)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a synthetic emission")
	}
	assert.True(t, src.IsSynthetic())
}

func TestReattachSucceedsAfterInitialFailure(t *testing.T) {
	r := &fakeReader{records: []ringbuf.Record{
		{RawSample: encodeSample(sample.Sample{TscRaw: 1, CPU: 0, IP: 99, GSOSegs: 1}, nil)},
	}}
	opener := &fakeOpener{readers: map[uint32]*fakeReader{}, failCPU: map[uint32]bool{0: true}}

	src := source.New(source.Config{
		Groups: []source.CPUGroup{{CPUs: []uint32{0}}},
		NewReattachBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	}, opener, logr.Discard())
	src.Start()
	defer src.Stop()

	// Flip the CPU to succeed after the first failed attempt was already
	// scheduled, then let the reattach loop's backoff retry pick it up.
	opener.mu.Lock()
	opener.failCPU[0] = false
	opener.readers[0] = r
	opener.mu.Unlock()

	select {
	case emission := <-src.Out():
		assert.Equal(t, uint64(99), emission.Sample.IP)
	case <-time.After(2 * time.Second):
		t.Fatal("expected reattach to eventually succeed")
	}
}
