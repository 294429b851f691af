// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package runtime implements the Runtime Orchestrator: it owns every other
// component's lifecycle, runs the per-sample pipeline and the periodic
// flush cycle, and mediates mode transitions and bucket reprogramming
// (spec §4.15).
package runtime

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/aggregator"
	"github.com/hjjiang123/MicroSentinel/internal/anomaly"
	"github.com/hjjiang123/MicroSentinel/internal/calibrator"
	"github.com/hjjiang123/MicroSentinel/internal/control"
	"github.com/hjjiang123/MicroSentinel/internal/eventbus"
	"github.com/hjjiang123/MicroSentinel/internal/falsesharing"
	"github.com/hjjiang123/MicroSentinel/internal/filter"
	"github.com/hjjiang123/MicroSentinel/internal/kernelsampler"
	"github.com/hjjiang123/MicroSentinel/internal/metricsexporter"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
	"github.com/hjjiang123/MicroSentinel/internal/remotedram"
	"github.com/hjjiang123/MicroSentinel/internal/rotator"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/hjjiang123/MicroSentinel/internal/sink"
	"github.com/hjjiang123/MicroSentinel/internal/skew"
	"github.com/hjjiang123/MicroSentinel/internal/source"
	"github.com/hjjiang123/MicroSentinel/internal/symbolizer"
)

// DefaultFlushInterval is the flush cycle's cadence (spec §4.15).
const DefaultFlushInterval = 200 * time.Millisecond

// Config gathers every sub-component's configuration plus the
// orchestrator's own top-level knobs.
type Config struct {
	FlushInterval       time.Duration
	AnomalyPollInterval time.Duration
	LatencyProbePath    string
	MetricsAddr         string
	ControlAddr         string

	Safety        SafetyConfig
	InitialBucket BucketState

	Calibrator        calibrator.Config
	Skew              skew.Config
	Aggregator        aggregator.Config
	FalseSharing      falsesharing.Config
	RemoteDram        remotedram.Config
	Mode              mode.Config
	Anomaly           anomaly.Config
	Rotator           rotator.Config
	Sink              sink.Config
	Source            source.Config
	EventBus          eventbus.Config
	SymbolizerMapsTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.AnomalyPollInterval <= 0 {
		c.AnomalyPollInterval = anomaly.DefaultSampleInterval
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9464"
	}
	if c.ControlAddr == "" {
		c.ControlAddr = "127.0.0.1:9465"
	}
	if c.SymbolizerMapsTTL <= 0 {
		c.SymbolizerMapsTTL = 5 * time.Second
	}
}

// Deps bundles the external collaborators main() is responsible for
// constructing (spec §1's "out of scope" boundary: kernel attachment,
// addr-to-line resolution, memory maps, host counters).
type Deps struct {
	SourceOpener          source.Opener
	KernelSamplerAttacher kernelsampler.Attacher
	CodeResolver          symbolizer.CodeResolver
	MapReader             symbolizer.MapReader
	Throughput            anomaly.ThroughputSource
	Latency               anomaly.LatencyProbe

	InitialTargets          []filter.TargetSpec
	InitialSentinelGroups   []kernelsampler.Group
	InitialDiagnosticGroups []kernelsampler.Group
}

// Runtime is the Runtime Orchestrator: the single owner of every other
// component's lifecycle (spec §4.15).
type Runtime struct {
	cfg    Config
	logger logr.Logger

	calibrator   *calibrator.Calibrator
	skewAdj      *skew.Adjuster
	filter       *filter.Filter
	symbolizer   *symbolizer.Symbolizer
	aggregator   *aggregator.Aggregator
	falseSharing *falsesharing.Detector
	remoteDram   *remotedram.Analyzer
	modeCtrl     *mode.Controller
	anomalyMon   *anomaly.Monitor
	kernelSamp   *kernelsampler.Controller
	pmuRotator   *rotator.Rotator
	sink         *sink.Sink
	metrics      *metricsexporter.Exporter
	control      *control.Server
	eventBus     *eventbus.Bus
	source       *source.Source

	sampleScale  atomic.Uint64 // math.Float64bits; mirrors the aggregator's own copy for sink norm_cost
	totalSamples atomic.Uint64
	safety       *safetyController
	bucketMu     sync.Mutex
	bucket       BucketState
	lastFlush    time.Time

	stopFlush   chan struct{}
	flushDone   chan struct{}
	stopAnomaly chan struct{}
	anomalyDone chan struct{}
	sampleDone  chan struct{}
	busCtx      context.Context
	busCancel   context.CancelFunc
	busDone     chan struct{}
}

// New wires every component together but starts nothing.
func New(cfg Config, deps Deps, logger logr.Logger) (*Runtime, error) {
	cfg.applyDefaults()
	logger = logger.WithName("runtime-orchestrator")

	rt := &Runtime{
		cfg:    cfg,
		logger: logger,
		safety: newSafetyController(cfg.Safety),
		bucket: cfg.InitialBucket,
	}
	rt.sampleScale.Store(math.Float64bits(1.0))

	rt.calibrator = calibrator.New(cfg.Calibrator, logger)
	rt.skewAdj = skew.New(cfg.Skew, logger)
	rt.filter = filter.New(logger)
	if len(deps.InitialTargets) > 0 {
		if err := rt.filter.Apply(deps.InitialTargets); err != nil {
			return nil, fmt.Errorf("applying initial targets: %w", err)
		}
	}
	rt.symbolizer = symbolizer.New(deps.CodeResolver, deps.MapReader, cfg.SymbolizerMapsTTL, logger)
	rt.aggregator = aggregator.New(cfg.Aggregator, rt.symbolizer, logger)
	rt.falseSharing = falsesharing.New(cfg.FalseSharing, rt.symbolizer, logger)
	rt.remoteDram = remotedram.New(cfg.RemoteDram, logger)
	rt.modeCtrl = mode.New(cfg.Mode, logger)

	rt.kernelSamp = kernelsampler.New(deps.KernelSamplerAttacher, logger)
	rt.kernelSamp.SetGroups(mode.Sentinel, deps.InitialSentinelGroups)
	rt.kernelSamp.SetGroups(mode.Diagnostic, deps.InitialDiagnosticGroups)
	rt.pmuRotator = rotator.New(cfg.Rotator, rt.kernelSamp, logger)

	rt.anomalyMon = anomaly.New(cfg.Anomaly, deps.Throughput, deps.Latency, logger)
	if cfg.LatencyProbePath != "" {
		if err := rt.anomalyMon.WatchProbeDirectory(cfg.LatencyProbePath); err != nil {
			logger.Error(err, "failed to watch latency probe directory, continuing without it", "path", cfg.LatencyProbePath)
		}
	}

	rt.sink = sink.New(cfg.Sink, logger)
	rt.metrics = metricsexporter.New(cfg.MetricsAddr, logger)
	rt.eventBus = eventbus.New(cfg.EventBus, logger)
	if err := rt.eventBus.RegisterConsumer(&sinkConsumer{sink: rt.sink}); err != nil {
		return nil, fmt.Errorf("registering sink consumer: %w", err)
	}
	if err := rt.eventBus.RegisterConsumer(&gaugeConsumer{exporter: rt.metrics}); err != nil {
		return nil, fmt.Errorf("registering gauge consumer: %w", err)
	}

	rt.source = source.New(cfg.Source, deps.SourceOpener, logger)

	rt.control = control.New(cfg.ControlAddr, control.Deps{
		Mode:        &runtimeModeSetter{rt: rt},
		TokenBucket: &runtimeBucketSetter{rt: rt},
		Groups:      rt.kernelSamp,
		JIT:         rt.symbolizer,
		DataObjects: rt.symbolizer,
		Targets:     rt.filter,
	}, logger)

	return rt, nil
}

// Start launches every component in the order spec §4.15 documents:
// metrics, sink, control plane, anomaly monitor, kernel-sampler controller
// (initial mode application), sample source, flush thread.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.metrics.Start(); err != nil {
		return fmt.Errorf("starting metrics exporter: %w", err)
	}
	rt.sink.Start(ctx)
	if err := rt.control.Start(); err != nil {
		return fmt.Errorf("starting control plane: %w", err)
	}

	rt.busCtx, rt.busCancel = context.WithCancel(ctx)
	rt.busDone = make(chan struct{})
	go func() {
		defer close(rt.busDone)
		if err := rt.eventBus.Start(rt.busCtx); err != nil {
			rt.logger.Error(err, "event bus stopped with error")
		}
	}()

	rt.stopAnomaly = make(chan struct{})
	rt.anomalyDone = make(chan struct{})
	go rt.anomalyLoop()

	initialMode := rt.modeCtrl.Current()
	rt.applyMode(initialMode)
	if rt.kernelSamp.GroupCount() > 0 {
		rt.pmuRotator.Start(initialMode, rt.setSampleScale)
	}

	rt.source.Start()
	rt.sampleDone = make(chan struct{})
	go rt.sampleLoop()

	rt.lastFlush = time.Now()
	rt.stopFlush = make(chan struct{})
	rt.flushDone = make(chan struct{})
	go rt.flushLoop()

	rt.logger.Info("runtime orchestrator started", "mode", initialMode, "flush_interval", rt.cfg.FlushInterval)
	return nil
}

// Stop shuts every component down in the exact order spec §4.15 requires,
// so no component writes after its downstream has stopped.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.source.Stop()
	<-rt.sampleDone

	for _, e := range rt.skewAdj.FlushAll() {
		rt.processReady(e.Sample, e.Stack)
	}

	close(rt.stopFlush)
	<-rt.flushDone
	rt.flushOnce()

	rt.pmuRotator.Stop()

	close(rt.stopAnomaly)
	<-rt.anomalyDone
	if err := rt.anomalyMon.Close(); err != nil {
		rt.logger.Error(err, "failed to close anomaly monitor")
	}

	rt.sink.Stop()

	if err := rt.control.Stop(ctx); err != nil {
		rt.logger.Error(err, "failed to stop control plane")
	}

	if err := rt.metrics.Stop(ctx); err != nil {
		rt.logger.Error(err, "failed to stop metrics exporter")
	}

	rt.busCancel()
	<-rt.busDone

	rt.logger.Info("runtime orchestrator stopped")
	return nil
}

func (rt *Runtime) sampleLoop() {
	defer close(rt.sampleDone)
	for emission := range rt.source.Out() {
		rt.HandleSample(emission.Sample, emission.Branches)
	}
}

func (rt *Runtime) anomalyLoop() {
	defer close(rt.anomalyDone)
	ticker := time.NewTicker(rt.cfg.AnomalyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopAnomaly:
			return
		case <-ticker.C:
			rt.anomalyMon.Poll(func(signal mode.AnomalySignal) {
				before := rt.modeCtrl.Current()
				after := rt.modeCtrl.NotifyAnomaly(signal)
				if after != before {
					rt.applyMode(after)
				}
			})
		}
	}
}

func (rt *Runtime) setSampleScale(scale float64) {
	rt.aggregator.SetSampleScale(scale)
	rt.sampleScale.Store(math.Float64bits(scale))
}

func (rt *Runtime) currentSampleScale() float64 {
	return math.Float64frombits(rt.sampleScale.Load())
}

// HandleSample implements the per-sample pipeline (spec §4.15 steps 1-2):
// normalize tsc through the calibrator, push through the skew adjuster,
// and process whatever it emits.
func (rt *Runtime) HandleSample(s sample.Sample, bs sample.BranchStack) {
	s.TscRaw = uint64(rt.calibrator.Normalize(s.CPU, s.TscRaw))
	for _, emitted := range rt.skewAdj.Push(s, bs) {
		rt.processReady(emitted.Sample, emitted.Stack)
	}
}

// processReady implements spec §4.15 step 2's sub-steps a-f for one
// skew-adjuster-emitted (sample, stack) pair.
func (rt *Runtime) processReady(s sample.Sample, bs sample.BranchStack) {
	if !rt.filter.Allow(s) {
		return
	}

	kind := sample.EventKind(s.PMUEvent)
	if kind == sample.EventRemoteDram {
		rt.remoteDram.Observe(s)
	}

	gso := s.GSOSegs
	if gso == 0 {
		gso = 1
	}
	normCost := rt.currentSampleScale() / float64(gso)
	rt.sink.EnqueueRawSample(s, bs, normCost)

	rt.aggregator.Add(s, bs)

	if kind == sample.EventCrossSnoopHitm {
		rt.falseSharing.Observe(s)
	}

	rt.totalSamples.Add(1)
}

// flushLoop runs the periodic flush cycle (spec §4.15).
func (rt *Runtime) flushLoop() {
	defer close(rt.flushDone)
	ticker := time.NewTicker(rt.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopFlush:
			return
		case <-ticker.C:
			rt.flushOnce()
		}
	}
}

// flushOnce implements the exact seven-step flush cycle (spec §4.15).
func (rt *Runtime) flushOnce() {
	now := time.Now()
	nowNs := now.UnixNano()

	drained := rt.aggregator.Flush(func(key sample.AttributionKey, val sample.AggregatedValue) {
		if err := rt.eventBus.Publish(eventbus.Event{Kind: eventbus.KindRollup, Rollup: &eventbus.RollupEvent{Key: key, Value: val}}); err != nil {
			rt.logger.V(1).Info("dropped rollup event", "error", err.Error())
		}
	})

	for _, st := range rt.symbolizer.DrainNewStacks() {
		stack := st
		if err := rt.eventBus.Publish(eventbus.Event{Kind: eventbus.KindStack, Stack: &stack}); err != nil {
			rt.logger.V(1).Info("dropped stack event", "error", err.Error())
		}
	}
	for _, ds := range rt.symbolizer.DrainNewDataObjects() {
		obj := ds
		if err := rt.eventBus.Publish(eventbus.Event{Kind: eventbus.KindDataObject, DataObject: &obj}); err != nil {
			rt.logger.V(1).Info("dropped data object event", "error", err.Error())
		}
	}

	if drained > 0 {
		elapsed := now.Sub(rt.lastFlush).Seconds()
		if elapsed <= 0 {
			elapsed = rt.cfg.FlushInterval.Seconds()
		}
		samplesPerSec := float64(drained) / elapsed
		rt.metrics.SetGauge("ms_samples_per_sec", samplesPerSec)

		currentMode := rt.modeCtrl.Current()
		rt.bucketMu.Lock()
		budget := rt.bucket.BudgetFor(currentMode)
		rt.bucketMu.Unlock()
		if budget == 0 {
			budget = 1
		}
		loadRatio := samplesPerSec / float64(budget)
		rt.metrics.SetGauge("ms_load_ratio", loadRatio)

		level := rt.safety.Update(loadRatio)
		rt.metrics.SetGauge("ms_safety_level", float64(level))

		newMode := rt.modeCtrl.Update(loadRatio)
		if newMode != currentMode {
			rt.applyMode(newMode)
		}
	}
	rt.lastFlush = now

	rt.falseSharing.Flush(nowNs, func(f falsesharing.FalseSharingFinding) {
		finding := f
		if err := rt.eventBus.Publish(eventbus.Event{Kind: eventbus.KindFalseSharing, FalseSharing: &finding}); err != nil {
			rt.logger.V(1).Info("dropped false-sharing event", "error", err.Error())
		}
	})

	rt.remoteDram.Flush(nowNs, func(f remotedram.Finding) {
		finding := f
		if err := rt.eventBus.Publish(eventbus.Event{Kind: eventbus.KindRemoteDram, RemoteDram: &finding}); err != nil {
			rt.logger.V(1).Info("dropped remote-dram event", "error", err.Error())
		}
	})

	for _, snap := range rt.calibrator.Snapshot() {
		rt.metrics.SetGauge(fmt.Sprintf(`ms_calibrator_slope{cpu="%d"}`, snap.CPU), snap.Model.Slope)
		rt.metrics.SetGauge(fmt.Sprintf(`ms_calibrator_offset_ns{cpu="%d"}`, snap.CPU), snap.Model.OffsetNs)
	}
}

// applyMode switches the kernel sampler's active arm and on success pushes
// newMode's budget into its token bucket, notifies the PMU Rotator and
// updates the mode gauge (spec §4.15 apply_mode). On failure the kernel
// sampler is left in its previous state and the gauge does not update
// (spec §7).
func (rt *Runtime) applyMode(newMode mode.Mode) {
	rt.bucketMu.Lock()
	budget := rt.bucket.BudgetFor(newMode)
	hardDrop := rt.bucket.HardDropNs
	rt.bucketMu.Unlock()

	if err := rt.kernelSamp.SwitchArm(newMode); err != nil {
		rt.logger.Error(err, "failed to switch kernel sampler arm, leaving previous state", "mode", newMode)
		return
	}

	rt.kernelSamp.UpdateTokenBucket(kernelsampler.TokenBucketConfig{
		MaxSamplesPerSec:    budget,
		HardDropThresholdNs: hardDrop,
	})

	rt.pmuRotator.UpdateMode()
	rt.metrics.SetGauge("ms_agent_mode", float64(newMode))
}

// HandleBucketUpdate merges req into the orchestrator's BucketState and
// reprograms the kernel sampler's token bucket only if the reprogram would
// change something the currently-active arm actually sees: its own budget
// or the shared hard-drop threshold. An update that only moves the
// inactive arm's budget (e.g. diagnostic_budget while Sentinel is active)
// must not reprogram (spec §4.15, worked example S4).
func (rt *Runtime) HandleBucketUpdate(req BucketUpdateRequest) {
	current := rt.modeCtrl.Current()

	rt.bucketMu.Lock()
	before := rt.bucket.BudgetFor(current)
	beforeHardDrop := rt.bucket.HardDropNs
	rt.bucket.Apply(req)
	after := rt.bucket.BudgetFor(current)
	afterHardDrop := rt.bucket.HardDropNs
	bucket := rt.bucket
	rt.bucketMu.Unlock()

	if before == after && beforeHardDrop == afterHardDrop {
		return
	}

	rt.kernelSamp.UpdateTokenBucket(kernelsampler.TokenBucketConfig{
		MaxSamplesPerSec:    bucket.BudgetFor(current),
		HardDropThresholdNs: bucket.HardDropNs,
	})
}

// BucketState returns a copy of the orchestrator's current bucket state.
func (rt *Runtime) BucketState() BucketState {
	rt.bucketMu.Lock()
	defer rt.bucketMu.Unlock()
	return rt.bucket
}

// TotalSamples returns the running total-samples counter (spec §4.15 step
// 2f).
func (rt *Runtime) TotalSamples() uint64 {
	return rt.totalSamples.Load()
}

// runtimeModeSetter adapts the Runtime to control.ModeSetter: a
// control-plane forced mode change must also reprogram the kernel
// sampler, not just the Mode Controller's own state (spec §4.14, §4.15).
type runtimeModeSetter struct {
	rt *Runtime
}

func (s *runtimeModeSetter) Force(m mode.Mode) {
	s.rt.ForceMode(m)
}

// ForceMode forces the Mode Controller to m and reprograms the kernel
// sampler to match, the same transition a control-plane /api/v1/mode
// request drives. Exposed so cmd/microsentinel can apply a
// diagnostic_mode startup override before Start.
func (rt *Runtime) ForceMode(m mode.Mode) {
	rt.modeCtrl.Force(m)
	rt.applyMode(m)
}

// runtimeBucketSetter adapts the Runtime to control.TokenBucketSetter: a
// control-plane token-bucket update must merge into BucketState, not write
// the kernel sampler directly, so HandleBucketUpdate alone decides whether
// the active arm needs reprogramming (spec §4.15 handle_bucket_update).
type runtimeBucketSetter struct {
	rt *Runtime
}

func (s *runtimeBucketSetter) UpdateTokenBucket(req control.TokenBucketUpdateRequest) {
	s.rt.HandleBucketUpdate(BucketUpdateRequest{
		SentinelBudget:   req.SentinelSamplesPerSec,
		DiagnosticBudget: req.DiagnosticSamplesPerSec,
		HardDropNs:       req.HardDropNs,
	})
}

var _ control.TokenBucketSetter = (*runtimeBucketSetter)(nil)

// sinkConsumer forwards flushed artifacts to the Sink Writer (spec
// §4.15 steps 2-3).
type sinkConsumer struct {
	sink *sink.Sink
}

func (c *sinkConsumer) Name() string { return "sink-writer" }

func (c *sinkConsumer) Start(events <-chan eventbus.Event) error {
	go func() {
		for e := range events {
			switch e.Kind {
			case eventbus.KindRollup:
				c.sink.EnqueueRollup(e.Rollup.Key, e.Rollup.Value)
			case eventbus.KindStack:
				c.sink.EnqueueStack(*e.Stack)
			case eventbus.KindDataObject:
				c.sink.EnqueueDataObject(*e.DataObject)
			}
		}
	}()
	return nil
}

func (c *sinkConsumer) Stop() error { return nil }

func (c *sinkConsumer) Health() eventbus.ConsumerHealth {
	return eventbus.ConsumerHealth{Healthy: true}
}

// gaugeConsumer forwards flushed rollups and findings to the Metrics
// Exporter as labeled gauges (spec §4.15 steps 2, 5, 6).
type gaugeConsumer struct {
	exporter *metricsexporter.Exporter
}

func (c *gaugeConsumer) Name() string { return "gauge-exporter" }

func (c *gaugeConsumer) Start(events <-chan eventbus.Event) error {
	go func() {
		for e := range events {
			switch e.Kind {
			case eventbus.KindRollup:
				name := fmt.Sprintf(`ms_norm_cost{flow="%d",event="%d",numa="%d",class="%s",dir="%s"}`,
					e.Rollup.Key.FlowID, e.Rollup.Key.PMUEvent, e.Rollup.Key.NUMANode,
					e.Rollup.Key.InterferenceClass, e.Rollup.Key.Direction)
				c.exporter.SetGauge(name, e.Rollup.Value.NormCost)
			case eventbus.KindFalseSharing:
				name := fmt.Sprintf(`ms_false_sharing_hits{line="%x"}`, e.FalseSharing.LineAddr)
				c.exporter.SetGauge(name, float64(e.FalseSharing.TotalHits))
			case eventbus.KindRemoteDram:
				name := fmt.Sprintf(`ms_remote_dram_samples{flow="%d",numa="%d",ifindex="%d"}`,
					e.RemoteDram.FlowID, e.RemoteDram.NUMANode, e.RemoteDram.Ifindex)
				c.exporter.SetGauge(name, float64(e.RemoteDram.SamplesInWindow))
			}
		}
	}()
	return nil
}

func (c *gaugeConsumer) Stop() error { return nil }

func (c *gaugeConsumer) Health() eventbus.ConsumerHealth {
	return eventbus.ConsumerHealth{Healthy: true}
}
