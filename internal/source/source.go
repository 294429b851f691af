// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package source implements the Sample Source component (spec §4.1): it
// drains kernel-allocated per-CPU ring buffers and delivers decoded
// samples to a single merged output channel, one goroutine per CPU,
// fanned in with pkg/channel.Merger so ordering is preserved within a CPU
// and undefined across CPUs.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/hjjiang123/MicroSentinel/pkg/channel"
)

// DefaultSyntheticCadence is the fallback generator's emit interval.
const DefaultSyntheticCadence = 100 * time.Millisecond

// DefaultSyntheticJitter bounds the random jitter added to each cadence.
const DefaultSyntheticJitter = 20 * time.Millisecond

// Emission pairs a decoded Sample with its branch stack, the unit the
// pipeline consumes off the merged channel.
type Emission struct {
	Sample   sample.Sample
	Branches sample.BranchStack
}

// Reader reads one ring buffer's records. Satisfied by *ringbuf.Reader;
// a narrow interface keeps the drain loop testable without a real map.
type Reader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

// Opener attaches (or reattaches) the ring buffer reader for one CPU.
// The underlying BPF_MAP_TYPE_RINGBUF attachment and file-descriptor
// lifecycle are opaque external machinery (spec §4.1); production wiring
// supplies a concrete Opener built on the kept pkg/ebpf/core.Manager and
// github.com/cilium/ebpf/ringbuf at cmd/microsentinel construction time.
type Opener interface {
	Open(cpu uint32) (Reader, error)
}

// CPUGroup labels a set of CPUs with the NUMA node they belong to, purely
// for logging/metrics attribution (spec §4.1: "one worker per NUMA
// node"). Draining itself is always one goroutine per CPU; grouping
// does not change fan-in topology.
type CPUGroup struct {
	NUMANode uint16
	CPUs     []uint32
}

// Config configures a Source.
type Config struct {
	Groups             []CPUGroup
	SyntheticCadence   time.Duration
	SyntheticJitter    time.Duration
	NewReattachBackoff func() backoff.BackOff
}

func (c *Config) applyDefaults() {
	if c.SyntheticCadence <= 0 {
		c.SyntheticCadence = DefaultSyntheticCadence
	}
	if c.SyntheticJitter < 0 {
		c.SyntheticJitter = DefaultSyntheticJitter
	}
	if c.NewReattachBackoff == nil {
		c.NewReattachBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0 // retry forever; a CPU that never reattaches stays silent, not fatal
			return b
		}
	}
}

// Source is the Sample Source component.
type Source struct {
	cfg    Config
	logger logr.Logger
	opener Opener
	merger *channel.Merger[Emission]
	now    func() time.Time

	mu        sync.Mutex
	synthetic bool
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Source. now defaults to time.Now when nil.
func New(cfg Config, opener Opener, logger logr.Logger) *Source {
	cfg.applyDefaults()
	return &Source{
		cfg:    cfg,
		logger: logger.WithName("sample-source"),
		opener: opener,
		merger: channel.NewMerger[Emission](),
		now:    time.Now,
	}
}

// Out returns the merged emission channel.
func (s *Source) Out() <-chan Emission {
	return s.merger.Out()
}

// Start attempts to attach every configured CPU's ring buffer. CPUs that
// fail to attach are retried in the background with backoff; if every
// CPU fails at startup, the source logs the failure and falls back to a
// synthetic generator (spec §4.1).
func (s *Source) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	attached := 0
	for _, group := range s.cfg.Groups {
		for _, cpu := range group.CPUs {
			if s.attach(cpu, group.NUMANode) {
				attached++
			} else {
				s.scheduleReattach(cpu, group.NUMANode)
			}
		}
	}

	if attached == 0 {
		s.logger.Error(nil, "no ring buffer could be attached on startup, falling back to synthetic sample generator")
		s.startSynthetic()
	}
}

// Stop halts all drain goroutines and the synthetic generator, then
// closes the merged output channel.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.merger.Close()
}

func (s *Source) attach(cpu uint32, numaNode uint16) bool {
	r, err := s.opener.Open(cpu)
	if err != nil {
		s.logger.Error(err, "failed to attach ring buffer", "cpu", cpu, "numa_node", numaNode)
		return false
	}

	ch := make(chan Emission, 64)
	s.merger.Add(ch)
	s.wg.Add(1)
	go s.drain(cpu, numaNode, r, ch)
	return true
}

func (s *Source) drain(cpu uint32, numaNode uint16, r Reader, out chan<- Emission) {
	defer s.wg.Done()
	defer close(out)
	defer r.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error(err, "ring buffer read failed, will attempt reattach", "cpu", cpu)
			s.scheduleReattach(cpu, numaNode)
			return
		}

		if rec.LostSamples > 0 {
			s.logger.V(1).Info("ring buffer reported lost records", "cpu", cpu, "lost", rec.LostSamples)
			continue
		}

		smp, bs, err := sample.Decode(bytes.NewReader(rec.RawSample))
		if err != nil {
			s.logger.V(1).Info("skipping unrecognized or malformed record", "cpu", cpu, "error", err.Error())
			continue
		}

		select {
		case out <- Emission{Sample: smp, Branches: bs}:
		case <-s.ctx.Done():
			return
		}
	}
}

// scheduleReattach retries Open with backoff until it succeeds or the
// source is stopped (spec §4.1: "a buffer read error on one CPU does not
// stop others").
func (s *Source) scheduleReattach(cpu uint32, numaNode uint16) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		b := backoff.WithContext(s.cfg.NewReattachBackoff(), s.ctx)
		_ = backoff.Retry(func() error {
			select {
			case <-s.ctx.Done():
				return backoff.Permanent(s.ctx.Err())
			default:
			}
			if s.attach(cpu, numaNode) {
				return nil
			}
			return fmt.Errorf("cpu %d still unattached", cpu)
		}, b)
	}()
}

func (s *Source) startSynthetic() {
	s.mu.Lock()
	s.synthetic = true
	s.mu.Unlock()

	ch := make(chan Emission)
	s.merger.Add(ch)
	s.wg.Add(1)
	go s.generateSynthetic(ch)
}

// IsSynthetic reports whether the source is currently emitting fabricated
// samples instead of draining real ring buffers.
func (s *Source) IsSynthetic() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthetic
}

func (s *Source) generateSynthetic(out chan<- Emission) {
	defer s.wg.Done()
	defer close(out)

	var seq uint64
	for {
		jitter := time.Duration(0)
		if s.cfg.SyntheticJitter > 0 {
			jitter = time.Duration(rand.Int63n(int64(s.cfg.SyntheticJitter)))
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.SyntheticCadence + jitter):
		}

		seq++
		smp := sample.Sample{
			TscRaw:   uint64(s.now().UnixNano()),
			CPU:      0,
			PID:      0,
			TID:      0,
			PMUEvent: uint32(sample.EventUnknown),
			IP:       seq,
			GSOSegs:  1,
		}
		select {
		case out <- Emission{Sample: smp}:
		case <-s.ctx.Done():
			return
		}
	}
}
