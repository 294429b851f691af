// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sink batches rollup, raw-sample, stack, and data-object records
// and uploads them to a ClickHouse-style HTTP endpoint (spec §4.12).
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
)

const (
	// DefaultBatchSize triggers an opportunistic flush of a queue that
	// reaches it, independent of the flush_interval timer.
	DefaultBatchSize = 4096
	// DefaultFlushInterval is the background worker's flush cadence.
	DefaultFlushInterval = 500 * time.Millisecond

	DefaultRollupTable     = "ms_flow_rollup"
	DefaultRawSampleTable  = "ms_raw_samples"
	DefaultStackTable      = "ms_stack_traces"
	DefaultDataObjectTable = "ms_data_objects"
)

// RollupRecord is the serialized form of one aggregator flush entry (spec
// §4.12). BucketIndex is converted back to wall-ish seconds as
// bucket_index * window_ns / 1e9.
type RollupRecord struct {
	TimestampSec      float64 `json:"ts_sec"`
	FlowID            uint64  `json:"flow_id"`
	FunctionID        uint64  `json:"function_id"`
	StackID           uint64  `json:"stack_id"`
	DataObjectID      uint64  `json:"data_object_id"`
	PMUEvent          uint32  `json:"pmu_event"`
	NUMANode          uint16  `json:"numa_node"`
	InterferenceClass uint8   `json:"interference_class"`
	Direction         uint8   `json:"direction"`
	Samples           uint64  `json:"samples"`
	NormCost          float64 `json:"norm_cost"`
}

// RawSampleRecord is the serialized form of one sample admitted past the
// Target Filter (spec §4.12, §4.15 step 2c).
type RawSampleRecord struct {
	TscRaw         uint64      `json:"tsc_raw"`
	CPU            uint32      `json:"cpu"`
	PID            uint32      `json:"pid"`
	TID            uint32      `json:"tid"`
	PMUEvent       uint32      `json:"pmu_event"`
	IP             uint64      `json:"ip"`
	DataAddr       uint64      `json:"data_addr"`
	FlowID         uint64      `json:"flow_id"`
	NormCost       float64     `json:"norm_cost"`
	IngressIfindex uint16      `json:"ingress_ifindex"`
	NUMANode       uint16      `json:"numa_node"`
	L4Proto        uint8       `json:"l4_proto"`
	Direction      uint8       `json:"direction"`
	BranchStack    [][2]uint64 `json:"branch_stack"`
}

// FrameRecord is one serialized stack frame.
type FrameRecord struct {
	Binary     string `json:"binary"`
	Function   string `json:"function"`
	SourceFile string `json:"source_file"`
	Line       uint32 `json:"line"`
}

// StackRecord is the serialized form of one symbolizer-interned stack.
type StackRecord struct {
	ID     uint64        `json:"id"`
	Frames []FrameRecord `json:"frames"`
}

// DataObjectRecord is the serialized form of one symbolizer-interned data
// object.
type DataObjectRecord struct {
	ID          uint64 `json:"id"`
	Mapping     string `json:"mapping"`
	Base        uint64 `json:"base"`
	Offset      uint64 `json:"offset"`
	Permissions string `json:"permissions"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        uint64 `json:"size"`
}

// Config controls the sink's endpoint, table names, and batching.
type Config struct {
	Endpoint        string
	RollupTable     string
	RawSampleTable  string
	StackTable      string
	DataObjectTable string
	BatchSize       int
	FlushInterval   time.Duration
	WindowNs        int64 // mirrors the aggregator's bucketing window, for bucket_index -> seconds conversion.
}

func (c *Config) applyDefaults() {
	if c.RollupTable == "" {
		c.RollupTable = DefaultRollupTable
	}
	if c.RawSampleTable == "" {
		c.RawSampleTable = DefaultRawSampleTable
	}
	if c.StackTable == "" {
		c.StackTable = DefaultStackTable
	}
	if c.DataObjectTable == "" {
		c.DataObjectTable = DefaultDataObjectTable
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
}

// Sink is the Sink Writer component: four independent queues, each
// flushed opportunistically at batch_size and periodically by a
// background worker (spec §4.12).
type Sink struct {
	cfg        Config
	logger     logr.Logger
	httpClient *http.Client

	mu      sync.Mutex
	rollups []RollupRecord
	raw     []RawSampleRecord
	stacks  []StackRecord
	objects []DataObjectRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sink.
func New(cfg Config, logger logr.Logger) *Sink {
	cfg.applyDefaults()
	return &Sink{
		cfg:        cfg,
		logger:     logger.WithName("sink-writer"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start launches the background flush worker (spec §4.12).
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker()
}

// Stop halts the background worker after one final flush.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sink) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.FlushAll()
			return
		case <-ticker.C:
			s.FlushAll()
		}
	}
}

// EnqueueRollup enqueues one aggregator entry, converting bucket_index
// back to wall-ish seconds (spec §4.12).
func (s *Sink) EnqueueRollup(key sample.AttributionKey, val sample.AggregatedValue) {
	var tsSec float64
	if s.cfg.WindowNs > 0 {
		tsSec = float64(key.BucketIndex) * float64(s.cfg.WindowNs) / 1e9
	}

	rec := RollupRecord{
		TimestampSec:      tsSec,
		FlowID:            key.FlowID,
		FunctionID:        key.FunctionID,
		StackID:           key.StackID,
		DataObjectID:      key.DataObjectID,
		PMUEvent:          key.PMUEvent,
		NUMANode:          key.NUMANode,
		InterferenceClass: uint8(key.InterferenceClass),
		Direction:         uint8(key.Direction),
		Samples:           val.Samples,
		NormCost:          val.NormCost,
	}

	s.mu.Lock()
	s.rollups = append(s.rollups, rec)
	full := len(s.rollups) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flushRollups()
	}
}

// EnqueueRawSample enqueues one raw sample past the Target Filter (spec
// §4.12, §4.15 step 2c).
func (s *Sink) EnqueueRawSample(smp sample.Sample, bs sample.BranchStack, normCost float64) {
	branches := make([][2]uint64, len(bs))
	for i, b := range bs {
		branches[i] = [2]uint64{b.From, b.To}
	}

	rec := RawSampleRecord{
		TscRaw:         smp.TscRaw,
		CPU:            smp.CPU,
		PID:            smp.PID,
		TID:            smp.TID,
		PMUEvent:       smp.PMUEvent,
		IP:             smp.IP,
		DataAddr:       smp.DataAddr,
		FlowID:         smp.FlowID,
		NormCost:       normCost,
		IngressIfindex: smp.IngressIfindex,
		NUMANode:       smp.NUMANode,
		L4Proto:        smp.L4Proto,
		Direction:      uint8(smp.Direction),
		BranchStack:    branches,
	}

	s.mu.Lock()
	s.raw = append(s.raw, rec)
	full := len(s.raw) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flushRaw()
	}
}

// EnqueueStack enqueues one symbolizer-interned stack trace.
func (s *Sink) EnqueueStack(st sample.StackTrace) {
	frames := make([]FrameRecord, len(st.Frames))
	for i, f := range st.Frames {
		frames[i] = FrameRecord{Binary: f.Binary, Function: f.Function, SourceFile: f.SourceFile, Line: f.Line}
	}
	rec := StackRecord{ID: st.ID, Frames: frames}

	s.mu.Lock()
	s.stacks = append(s.stacks, rec)
	full := len(s.stacks) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flushStacks()
	}
}

// EnqueueDataObject enqueues one symbolizer-interned data object.
func (s *Sink) EnqueueDataObject(ds sample.DataSymbol) {
	rec := DataObjectRecord{
		ID:          ds.ID,
		Mapping:     ds.Object.Mapping,
		Base:        ds.Object.Base,
		Offset:      ds.Object.Offset,
		Permissions: ds.Object.Permissions,
		Name:        ds.Object.Name,
		Type:        ds.Object.Type,
		Size:        ds.Object.Size,
	}

	s.mu.Lock()
	s.objects = append(s.objects, rec)
	full := len(s.objects) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flushObjects()
	}
}

// FlushAll flushes every queue (spec §4.12; also the final flush at
// shutdown, spec §4.15).
func (s *Sink) FlushAll() {
	s.flushRollups()
	s.flushRaw()
	s.flushStacks()
	s.flushObjects()
}

func (s *Sink) flushRollups() {
	s.mu.Lock()
	batch := s.rollups
	s.rollups = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	records := make([]any, len(batch))
	for i, r := range batch {
		records[i] = r
	}
	s.upload(s.cfg.RollupTable, records)
}

func (s *Sink) flushRaw() {
	s.mu.Lock()
	batch := s.raw
	s.raw = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	records := make([]any, len(batch))
	for i, r := range batch {
		records[i] = r
	}
	s.upload(s.cfg.RawSampleTable, records)
}

func (s *Sink) flushStacks() {
	s.mu.Lock()
	batch := s.stacks
	s.stacks = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	records := make([]any, len(batch))
	for i, r := range batch {
		records[i] = r
	}
	s.upload(s.cfg.StackTable, records)
}

func (s *Sink) flushObjects() {
	s.mu.Lock()
	batch := s.objects
	s.objects = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	records := make([]any, len(batch))
	for i, r := range batch {
		records[i] = r
	}
	s.upload(s.cfg.DataObjectTable, records)
}

// upload serializes records as newline-delimited JSON prefixed with an
// INSERT header line and POSTs the body to the configured endpoint. Any
// failure is logged and the batch dropped; there are no retries (spec
// §4.12 step 4).
func (s *Sink) upload(table string, records []any) {
	var body bytes.Buffer
	fmt.Fprintf(&body, "INSERT INTO %s FORMAT JSONEachRow\n", table)
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			s.logger.Error(err, "failed to serialize sink record, dropping batch", "table", table)
			return
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		// Not started, or stopping: the final flush still uploads.
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body.Bytes()))
	if err != nil {
		s.logger.Error(err, "failed to build sink request, dropping batch", "table", table)
		return
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error(err, "sink upload failed, dropping batch", "table", table, "records", len(records))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		s.logger.Error(fmt.Errorf("status %d", resp.StatusCode), "sink upload rejected, dropping batch",
			"table", table, "records", len(records), "body", string(respBody))
		return
	}

	s.logger.V(2).Info("sink upload succeeded", "table", table, "records", len(records))
}
