// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/control"
	"github.com/hjjiang123/MicroSentinel/internal/falsesharing"
	"github.com/hjjiang123/MicroSentinel/internal/filter"
	"github.com/hjjiang123/MicroSentinel/internal/kernelsampler"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
	"github.com/hjjiang123/MicroSentinel/internal/remotedram"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/hjjiang123/MicroSentinel/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAttacher struct {
	fail bool
	last kernelsampler.Group
}

func (a *fakeAttacher) Attach(group kernelsampler.Group) error {
	if a.fail {
		return assertErr{}
	}
	a.last = group
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "attach failed" }

func oneGroup(name string, kind sample.EventKind) []kernelsampler.Group {
	return []kernelsampler.Group{{
		Name: name,
		Events: []kernelsampler.EventDescriptor{
			{Name: name, Logical: kind, HasLogical: true},
		},
	}}
}

func newTestRuntime(t *testing.T, attacher kernelsampler.Attacher) *Runtime {
	t.Helper()
	rt, err := New(Config{
		InitialBucket: BucketState{SentinelBudget: 100, DiagnosticBudget: 100, HardDropNs: 50},
	}, Deps{
		KernelSamplerAttacher:   attacher,
		InitialSentinelGroups:   oneGroup("sentinel-g0", sample.EventL3Miss),
		InitialDiagnosticGroups: oneGroup("diagnostic-g0", sample.EventBranchMispred),
	}, logr.Discard())
	require.NoError(t, err)
	return rt
}

func TestHandleSampleAllowedIncrementsCountersAndAggregates(t *testing.T) {
	rt := newTestRuntime(t, nil)

	rt.HandleSample(sample.Sample{PID: 1, CPU: 0, IP: 0x1000, FlowID: 7, GSOSegs: 0}, nil)
	// The skew adjuster holds back each CPU's newest sample until drained.
	for _, e := range rt.skewAdj.FlushAll() {
		rt.processReady(e.Sample, e.Stack)
	}

	assert.Equal(t, uint64(1), rt.TotalSamples())

	drained := rt.aggregator.Flush(func(sample.AttributionKey, sample.AggregatedValue) {})
	assert.Equal(t, uint64(1), drained)
}

func TestHandleSampleFilteredSampleIsDropped(t *testing.T) {
	rt := newTestRuntime(t, nil)
	require.NoError(t, rt.filter.Apply([]filter.TargetSpec{{Type: "pid", PID: 42}}))

	rt.HandleSample(sample.Sample{PID: 1, CPU: 0, IP: 0x1000}, nil)
	for _, e := range rt.skewAdj.FlushAll() {
		rt.processReady(e.Sample, e.Stack)
	}

	assert.Equal(t, uint64(0), rt.TotalSamples())
}

func TestHandleSampleRemoteDramObservedAndFlushable(t *testing.T) {
	rt := newTestRuntime(t, nil)

	rt.HandleSample(sample.Sample{
		PID: 1, CPU: 0, TscRaw: 1000, FlowID: 1, NUMANode: 2,
		IngressIfindex: 3, PMUEvent: uint32(sample.EventRemoteDram),
	}, nil)
	for _, e := range rt.skewAdj.FlushAll() {
		rt.processReady(e.Sample, e.Stack)
	}

	var findings []remotedram.Finding
	rt.remoteDram.Flush(1000+2_000_000_000, func(f remotedram.Finding) {
		findings = append(findings, f)
	})

	require.Len(t, findings, 1)
	assert.Equal(t, uint64(1), findings[0].FlowID)
	assert.Equal(t, uint16(2), findings[0].NUMANode)
	assert.Equal(t, uint64(1), findings[0].SamplesInWindow)
}

func TestCrossSnoopHitmObservedByFalseSharing(t *testing.T) {
	rt := newTestRuntime(t, nil)

	for i := 0; i < int(falsesharing.DefaultThreshold)+1; i++ {
		rt.HandleSample(sample.Sample{
			PID: uint32(i % 2), CPU: uint32(i % 4), TscRaw: 1000, DataAddr: 0x4000,
			PMUEvent: uint32(sample.EventCrossSnoopHitm),
		}, nil)
	}
	for _, e := range rt.skewAdj.FlushAll() {
		rt.processReady(e.Sample, e.Stack)
	}

	var findings []falsesharing.FalseSharingFinding
	rt.falseSharing.Flush(1000+falsesharing.DefaultWindowNs, func(f falsesharing.FalseSharingFinding) {
		findings = append(findings, f)
	})

	require.Len(t, findings, 1)
	assert.Equal(t, uint64(0x4000), findings[0].LineAddr)
}

func TestApplyModeSwitchesArmAndReprogramsBucket(t *testing.T) {
	attacher := &fakeAttacher{}
	rt := newTestRuntime(t, attacher)

	rt.applyMode(mode.Diagnostic)

	assert.Equal(t, "diagnostic-g0", attacher.last.Name)
	assert.Equal(t, uint64(100), rt.kernelSamp.TokenBucket().MaxSamplesPerSec)
	assert.Equal(t, uint64(50), rt.kernelSamp.TokenBucket().HardDropThresholdNs)
	assert.Equal(t, 0, rt.kernelSamp.CurrentIndex())
}

func TestApplyModeFailureLeavesPreviousGroupAttached(t *testing.T) {
	attacher := &fakeAttacher{}
	rt := newTestRuntime(t, attacher)

	rt.applyMode(mode.Sentinel)
	require.Equal(t, "sentinel-g0", attacher.last.Name)

	attacher.fail = true
	rt.applyMode(mode.Diagnostic)

	assert.Equal(t, "sentinel-g0", attacher.last.Name, "a failed switch must not leave the attacher mid-transition")
}

func TestHandleBucketUpdateReprogramsActiveArmBudget(t *testing.T) {
	rt := newTestRuntime(t, nil)

	before := rt.kernelSamp.Generation()
	rt.HandleBucketUpdate(BucketUpdateRequest{SentinelBudget: u64(500)})

	assert.Greater(t, rt.kernelSamp.Generation(), before)
	assert.Equal(t, uint64(500), rt.kernelSamp.TokenBucket().MaxSamplesPerSec)
	assert.Equal(t, uint64(500), rt.BucketState().DiagnosticBudget, "sentinel-only change must auto-lift the lagging diagnostic budget")
}

func TestHandleBucketUpdateNoopDoesNotBumpGeneration(t *testing.T) {
	rt := newTestRuntime(t, nil)

	before := rt.kernelSamp.Generation()
	rt.HandleBucketUpdate(BucketUpdateRequest{SentinelBudget: u64(100), DiagnosticBudget: u64(100), HardDropNs: u64(50)})

	assert.Equal(t, before, rt.kernelSamp.Generation())
}

func TestHandleBucketUpdateInactiveArmBudgetDoesNotReprogram(t *testing.T) {
	rt := newTestRuntime(t, nil)
	require.Equal(t, mode.Sentinel, rt.modeCtrl.Current())

	before := rt.kernelSamp.Generation()
	rt.HandleBucketUpdate(BucketUpdateRequest{DiagnosticBudget: u64(6000)})

	assert.Equal(t, before, rt.kernelSamp.Generation(), "a diagnostic-budget change while Sentinel is active must not reprogram the kernel sampler")
	assert.Equal(t, uint64(100), rt.kernelSamp.TokenBucket().MaxSamplesPerSec, "the active arm's programmed budget must be untouched")
	assert.Equal(t, uint64(6000), rt.BucketState().DiagnosticBudget, "the inactive arm's budget must still be recorded")
}

func TestRuntimeModeSetterForceSwitchesKernelSampler(t *testing.T) {
	attacher := &fakeAttacher{}
	rt := newTestRuntime(t, attacher)

	setter := &runtimeModeSetter{rt: rt}
	setter.Force(mode.Diagnostic)

	assert.Equal(t, mode.Diagnostic, rt.modeCtrl.Current())
	assert.Equal(t, "diagnostic-g0", attacher.last.Name, "forcing a mode over the control plane must also reprogram the kernel sampler")
}

func TestRuntimeBucketSetterMergesIntoBucketStateAndReprogramsActiveArm(t *testing.T) {
	rt := newTestRuntime(t, nil)

	setter := &runtimeBucketSetter{rt: rt}
	before := rt.kernelSamp.Generation()
	setter.UpdateTokenBucket(control.TokenBucketUpdateRequest{SentinelSamplesPerSec: u64(9000)})

	assert.Equal(t, uint64(9000), rt.BucketState().SentinelBudget, "control-plane update must merge into BucketState")
	assert.Greater(t, rt.kernelSamp.Generation(), before, "a change to the active arm's budget must reprogram the kernel sampler")
	assert.Equal(t, uint64(9000), rt.kernelSamp.TokenBucket().MaxSamplesPerSec)
}

func TestStartStopFullLifecycleWithSyntheticSource(t *testing.T) {
	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer sinkSrv.Close()

	rt, err := New(Config{
		FlushInterval:       20 * time.Millisecond,
		AnomalyPollInterval: 50 * time.Millisecond,
		MetricsAddr:         "127.0.0.1:0",
		ControlAddr:         "127.0.0.1:0",
		InitialBucket:       BucketState{SentinelBudget: 1_000_000, DiagnosticBudget: 1_000_000, HardDropNs: 1000},
		Sink: sink.Config{
			Endpoint:      sinkSrv.URL,
			FlushInterval: time.Hour,
		},
	}, Deps{}, logr.Discard())
	require.NoError(t, err)

	require.NoError(t, rt.Start(context.Background()))

	time.Sleep(400 * time.Millisecond)
	assert.True(t, rt.source.IsSynthetic())
	assert.Greater(t, rt.TotalSamples(), uint64(0))

	require.NoError(t, rt.Stop(context.Background()))
}
