// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command microsentinel is the host-level observability agent: it wires
// every internal component together through the Runtime Orchestrator and
// runs until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/hjjiang123/MicroSentinel/internal/aggregator"
	"github.com/hjjiang123/MicroSentinel/internal/anomaly"
	"github.com/hjjiang123/MicroSentinel/internal/calibrator"
	"github.com/hjjiang123/MicroSentinel/internal/filter"
	"github.com/hjjiang123/MicroSentinel/internal/kernelsampler"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
	"github.com/hjjiang123/MicroSentinel/internal/runtime"
	"github.com/hjjiang123/MicroSentinel/internal/sink"
	"github.com/hjjiang123/MicroSentinel/internal/source"
	"github.com/hjjiang123/MicroSentinel/pkg/ebpf/core"
)

// csvFlag collects a repeatable comma-separated CLI value.
type csvFlag struct{ values []string }

func (f *csvFlag) String() string { return strings.Join(f.values, ",") }

func (f *csvFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			f.values = append(f.values, part)
		}
	}
	return nil
}

var (
	sentinelBudget   = flag.Uint64("sentinel_budget", 10_000, "sentinel-mode token-bucket budget in samples/sec")
	diagnosticBudget = flag.Uint64("diagnostic_budget", 50_000, "diagnostic-mode token-bucket budget in samples/sec")
	hardDropNs       = flag.Uint64("hard_drop_ns", 1_000_000, "per-CPU minimum inter-sample spacing before hard-dropping")
	cpus             csvFlag
	mockPeriodMs     = flag.Int64("mock_period_ms", 100, "synthetic sample generator cadence when no CPU attaches")
	perfMockMode     = flag.Bool("perf_mock_mode", false, "force the synthetic sample generator even if attachment would succeed")

	aggWindowNs = flag.Int64("agg_window_ns", 0, "aggregator bucketing window in nanoseconds, 0 disables bucketing")
	aggFlushMs  = flag.Int64("agg_flush_ms", 200, "flush cycle cadence in milliseconds")

	diagnosticMode = flag.Bool("diagnostic_mode", false, "force the initial mode to diagnostic instead of sentinel")

	anomalyEnabled         = flag.Bool("anomaly_enabled", true, "enable the anomaly monitor")
	anomalyIntervalMs      = flag.Int64("anomaly_interval_ms", int64(anomaly.DefaultSampleInterval/time.Millisecond), "anomaly monitor poll interval in milliseconds")
	anomalyThroughputRatio = flag.Float64("anomaly_throughput_ratio", anomaly.DefaultThroughputRatioTrigger, "throughput drop ratio that triggers an anomaly")
	anomalyLatencyRatio    = flag.Float64("anomaly_latency_ratio", anomaly.DefaultLatencyRatioTrigger, "latency spike ratio that triggers an anomaly")
	anomalyLatencyPath     = flag.String("anomaly_latency_path", "", "optional file the anomaly monitor polls for an externally-populated latency value")
	anomalyThroughputAlpha = flag.Float64("anomaly_throughput_alpha", anomaly.DefaultAlpha, "EWMA smoothing factor for the throughput baseline")
	anomalyLatencyAlpha    = flag.Float64("anomaly_latency_alpha", anomaly.DefaultAlpha, "EWMA smoothing factor for the latency baseline")
	anomalyRefractoryMs    = flag.Int64("anomaly_refractory_ms", int64(anomaly.DefaultRefractoryPeriod/time.Millisecond), "minimum time between anomaly-triggered mode forces")
	anomalyInterfaces      csvFlag

	tscCalibrationEnabled = flag.Bool("tsc_calibration_enabled", true, "enable per-CPU tsc-to-wallclock calibration")
	tscSlopeAlpha         = flag.Float64("tsc_slope_alpha", 0.1, "EWMA smoothing factor for the calibrator's slope estimate")
	tscOffsetAlpha        = flag.Float64("tsc_offset_alpha", 0.1, "EWMA smoothing factor for the calibrator's offset estimate")

	metricsAddress = flag.String("metrics_address", "127.0.0.1", "metrics endpoint bind address")
	metricsPort    = flag.Int("metrics_port", 9464, "metrics endpoint bind port")
	controlAddress = flag.String("control_address", "127.0.0.1", "control-plane bind address")
	controlPort    = flag.Int("control_port", 9465, "control-plane bind port")

	clickhouseEndpoint   = flag.String("clickhouse_endpoint", "", "sink upload endpoint (required to enable the sink writer)")
	clickhouseTable      = flag.String("clickhouse_table", "", "rollup table name override")
	clickhouseStackTable = flag.String("clickhouse_stack_table", "", "stack table name override")
	clickhouseRawTable   = flag.String("clickhouse_raw_table", "", "raw-sample table name override")
	clickhouseFlushMs    = flag.Int64("clickhouse_flush_ms", int64(sink.DefaultFlushInterval/time.Millisecond), "sink background flush cadence in milliseconds")
	clickhouseBatchSize  = flag.Int("clickhouse_batch_size", sink.DefaultBatchSize, "sink opportunistic flush batch size")
)

func init() {
	flag.Var(&cpus, "cpus", "comma-separated list of CPU ids to sample on (repeatable)")
	flag.Var(&anomalyInterfaces, "anomaly_interfaces", "comma-separated list of network interfaces the anomaly monitor sums throughput over; empty means all non-loopback interfaces")
}

func main() {
	flag.Parse()

	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog).WithName("microsentinel")

	if err := run(logger); err != nil {
		logger.Error(err, "fatal error")
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	rt, err := buildRuntime(logger)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping runtime: %w", err)
	}
	return nil
}

func buildRuntime(logger logr.Logger) (*runtime.Runtime, error) {
	coreMgr, err := core.NewManager(logger.WithName("ebpf-core"))
	if err != nil {
		logger.Info("CO-RE kernel-feature detection unavailable, proceeding without it", "error", err.Error())
	}
	attachment := &hostAttachment{logger: logger.WithName("kernel-attach"), core: coreMgr}

	initialMode := mode.Sentinel
	if *diagnosticMode {
		initialMode = mode.Diagnostic
	}

	cfg := runtime.Config{
		FlushInterval:       time.Duration(*aggFlushMs) * time.Millisecond,
		AnomalyPollInterval: time.Duration(*anomalyIntervalMs) * time.Millisecond,
		LatencyProbePath:    *anomalyLatencyPath,
		MetricsAddr:         net.JoinHostPort(*metricsAddress, strconv.Itoa(*metricsPort)),
		ControlAddr:         net.JoinHostPort(*controlAddress, strconv.Itoa(*controlPort)),

		InitialBucket: runtime.BucketState{
			SentinelBudget:   *sentinelBudget,
			DiagnosticBudget: *diagnosticBudget,
			HardDropNs:       *hardDropNs,
		},

		Calibrator: calibrator.Config{
			Enabled:     *tscCalibrationEnabled,
			SlopeAlpha:  *tscSlopeAlpha,
			OffsetAlpha: *tscOffsetAlpha,
		},
		Aggregator: aggregator.Config{
			WindowNs: *aggWindowNs,
		},
		Anomaly: anomaly.Config{
			SampleInterval:         time.Duration(*anomalyIntervalMs) * time.Millisecond,
			Alpha:                  *anomalyThroughputAlpha,
			LatencyAlpha:           *anomalyLatencyAlpha,
			ThroughputRatioTrigger: *anomalyThroughputRatio,
			LatencyRatioTrigger:    *anomalyLatencyRatio,
			RefractoryPeriod:       time.Duration(*anomalyRefractoryMs) * time.Millisecond,
		},
		Sink: sink.Config{
			Endpoint:       *clickhouseEndpoint,
			RollupTable:    *clickhouseTable,
			StackTable:     *clickhouseStackTable,
			RawSampleTable: *clickhouseRawTable,
			BatchSize:      *clickhouseBatchSize,
			FlushInterval:  time.Duration(*clickhouseFlushMs) * time.Millisecond,
			WindowNs:       *aggWindowNs,
		},
		Source: source.Config{
			Groups:           cpuGroups(),
			SyntheticCadence: time.Duration(*mockPeriodMs) * time.Millisecond,
		},

		Mode: mode.Config{},
	}

	var opener source.Opener
	var kernelAttacher kernelsampler.Attacher = attachment
	if !*perfMockMode {
		opener = attachment
	}

	deps := runtime.Deps{
		SourceOpener:          opener,
		KernelSamplerAttacher: kernelAttacher,
		CodeResolver:          noopCodeResolver{},
		MapReader:             procMapReader{},
		Throughput:            newProcNetThroughput(anomalyInterfaces.values),
		Latency:               newFileLatencyProbe(*anomalyLatencyPath),

		InitialTargets:          []filter.TargetSpec{{Type: "all"}},
		InitialSentinelGroups:   nil,
		InitialDiagnosticGroups: nil,
	}
	if !*anomalyEnabled {
		deps.Throughput = nil
		deps.Latency = nil
	}

	rt, err := runtime.New(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	if initialMode == mode.Diagnostic {
		rt.ForceMode(mode.Diagnostic)
	}
	return rt, nil
}

func cpuGroups() []source.CPUGroup {
	if len(cpus.values) == 0 {
		return nil
	}
	ids := make([]uint32, 0, len(cpus.values))
	for _, c := range cpus.values {
		n, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	if len(ids) == 0 {
		return nil
	}
	return []source.CPUGroup{{NUMANode: 0, CPUs: ids}}
}

// hostAttachment is the production kernel_sampler.Attacher/source.Opener:
// it probes CO-RE support for diagnostics but always declines the actual
// attach, since this repo ships no compiled PMU sampler object (spec §1
// places perf_event_open/BPF_LINK attachment out of scope). Declining
// drives the Sample Source's documented synthetic-fallback path instead
// of silently no-oping.
type hostAttachment struct {
	logger logr.Logger
	core   *core.Manager
}

func (h *hostAttachment) Attach(group kernelsampler.Group) error {
	return fmt.Errorf("kernel sampler attachment for group %q is out of scope for this build", group.Name)
}

func (h *hostAttachment) Open(cpu uint32) (source.Reader, error) {
	return nil, fmt.Errorf("ring buffer attachment for cpu %d is out of scope for this build", cpu)
}
