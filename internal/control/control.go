// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package control implements the single-threaded JSON-over-HTTP control
// plane (spec §4.14): six POST-only endpoints, no authentication, an 8KiB
// request cap, and a uniform "ok"/"invalid request" response contract.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/filter"
	"github.com/hjjiang123/MicroSentinel/internal/kernelsampler"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/hjjiang123/MicroSentinel/internal/symbolizer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MaxRequestBytes caps every request body (spec §4.14).
const MaxRequestBytes = 8 * 1024

// ModeSetter applies a forced mode transition.
type ModeSetter interface {
	Force(m mode.Mode)
}

// TokenBucketUpdateRequest is a partial token-bucket update; nil fields are
// left unchanged (spec §4.15 handle_bucket_update). Unlike
// kernelsampler.TokenBucketConfig, sentinel and diagnostic budgets are
// tracked as separate fields so a request touching one arm never clobbers
// the other.
type TokenBucketUpdateRequest struct {
	SentinelSamplesPerSec   *uint64
	DiagnosticSamplesPerSec *uint64
	HardDropNs              *uint64
}

// TokenBucketSetter merges a partial token-bucket update into the
// orchestrator's BucketState, which alone decides whether the currently
// active mode arm needs reprogramming (spec §4.15 handle_bucket_update;
// spec.md:211 "-> orchestrator.update_bucket").
type TokenBucketSetter interface {
	UpdateTokenBucket(req TokenBucketUpdateRequest)
}

// GroupSetter applies a new ordered event-group list for one mode arm.
type GroupSetter interface {
	SetGroups(arm mode.Mode, groups []kernelsampler.Group)
}

// JITRegistrar registers a JIT code range.
type JITRegistrar interface {
	RegisterJIT(pid uint32, start, end uint64, path, buildID string)
}

// DataRegistrar registers a named data object.
type DataRegistrar interface {
	RegisterData(pid uint32, addr uint64, name, typ string, size uint64)
}

// TargetApplier rebuilds the monitoring target snapshot.
type TargetApplier interface {
	Apply(specs []filter.TargetSpec) error
}

// Deps bundles every collaborator the control plane dispatches to. All
// fields are required.
type Deps struct {
	Mode        ModeSetter
	TokenBucket TokenBucketSetter
	Groups      GroupSetter
	JIT         JITRegistrar
	DataObjects DataRegistrar
	Targets     TargetApplier
}

// Server is the control-plane HTTP listener.
type Server struct {
	logger logr.Logger
	deps   Deps
	server *http.Server
	ln     net.Listener

	bucketMu   sync.Mutex
	lastBucket *tokenBucketWire
}

// tokenBucketWire holds a /api/v1/token-bucket request's fields as
// wrapperspb messages so repeat requests can be compared with proto.Equal
// instead of a hand-rolled nil-aware field comparison.
type tokenBucketWire struct {
	samplesPerSec           *wrapperspb.UInt64Value
	sentinelSamplesPerSec   *wrapperspb.UInt64Value
	diagnosticSamplesPerSec *wrapperspb.UInt64Value
	hardDropNs              *wrapperspb.UInt64Value
}

func u64Wire(v *uint64) *wrapperspb.UInt64Value {
	if v == nil {
		return nil
	}
	return wrapperspb.UInt64(*v)
}

func (w *tokenBucketWire) Equal(other *tokenBucketWire) bool {
	if w == nil || other == nil {
		return w == other
	}
	return proto.Equal(w.samplesPerSec, other.samplesPerSec) &&
		proto.Equal(w.sentinelSamplesPerSec, other.sentinelSamplesPerSec) &&
		proto.Equal(w.diagnosticSamplesPerSec, other.diagnosticSamplesPerSec) &&
		proto.Equal(w.hardDropNs, other.hardDropNs)
}

// New creates a Server listening at addr.
func New(addr string, deps Deps, logger logr.Logger) *Server {
	s := &Server{logger: logger.WithName("control-plane"), deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/mode", s.handleMode)
	mux.HandleFunc("/api/v1/token-bucket", s.handleTokenBucket)
	mux.HandleFunc("/api/v1/pmu-config", s.handlePMUConfig)
	mux.HandleFunc("/api/v1/symbols/jit", s.handleSymbolsJIT)
	mux.HandleFunc("/api/v1/symbols/data", s.handleSymbolsData)
	mux.HandleFunc("/api/v1/targets", s.handleTargets)

	// Requests are handled one at a time.
	var serveMu sync.Mutex
	serialized := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveMu.Lock()
		defer serveMu.Unlock()
		mux.ServeHTTP(w, r)
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      serialized,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error(err, "control plane stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the listener's actual bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.server.Addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func ok(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func invalid(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprint(w, "invalid request")
}

func decode(r *http.Request, v interface{}) error {
	if r.Method != http.MethodPost {
		return fmt.Errorf("method %s not allowed", r.Method)
	}
	body := io.LimitReader(r.Body, MaxRequestBytes+1)
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(data) > MaxRequestBytes {
		return fmt.Errorf("request exceeds %d bytes", MaxRequestBytes)
	}
	return json.Unmarshal(data, v)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decode(r, &req); err != nil {
		invalid(w)
		return
	}
	switch req.Mode {
	case "sentinel":
		s.deps.Mode.Force(mode.Sentinel)
	case "diagnostic":
		s.deps.Mode.Force(mode.Diagnostic)
	default:
		invalid(w)
		return
	}
	ok(w)
}

type tokenBucketRequest struct {
	SamplesPerSec           *uint64 `json:"samples_per_sec"` // legacy alias for sentinel_samples_per_sec
	SentinelSamplesPerSec   *uint64 `json:"sentinel_samples_per_sec"`
	DiagnosticSamplesPerSec *uint64 `json:"diagnostic_samples_per_sec"`
	HardDropNs              *uint64 `json:"hard_drop_ns"`
}

func (s *Server) handleTokenBucket(w http.ResponseWriter, r *http.Request) {
	var req tokenBucketRequest
	if err := decode(r, &req); err != nil {
		invalid(w)
		return
	}

	sentinel := req.SentinelSamplesPerSec
	if sentinel == nil {
		sentinel = req.SamplesPerSec // legacy alias for sentinel_samples_per_sec
	}
	if sentinel == nil && req.DiagnosticSamplesPerSec == nil && req.HardDropNs == nil {
		invalid(w)
		return
	}

	wire := &tokenBucketWire{
		samplesPerSec:           u64Wire(req.SamplesPerSec),
		sentinelSamplesPerSec:   u64Wire(req.SentinelSamplesPerSec),
		diagnosticSamplesPerSec: u64Wire(req.DiagnosticSamplesPerSec),
		hardDropNs:              u64Wire(req.HardDropNs),
	}

	s.bucketMu.Lock()
	repeat := wire.Equal(s.lastBucket)
	s.lastBucket = wire
	s.bucketMu.Unlock()

	if !repeat {
		s.deps.TokenBucket.UpdateTokenBucket(TokenBucketUpdateRequest{
			SentinelSamplesPerSec:   sentinel,
			DiagnosticSamplesPerSec: req.DiagnosticSamplesPerSec,
			HardDropNs:              req.HardDropNs,
		})
	}
	ok(w)
}

type eventRequest struct {
	Name         string  `json:"name"`
	Type         *uint32 `json:"type"`
	Config       *uint64 `json:"config"`
	SamplePeriod *uint64 `json:"sample_period"`
	Precise      bool    `json:"precise"`
	Logical      string  `json:"logical"`
}

type groupRequest struct {
	Name   string         `json:"name"`
	Events []eventRequest `json:"events"`
}

type pmuConfigRequest struct {
	Sentinel   []groupRequest `json:"sentinel"`
	Diagnostic []groupRequest `json:"diagnostic"`
}

func toGroups(reqs []groupRequest) ([]kernelsampler.Group, error) {
	groups := make([]kernelsampler.Group, 0, len(reqs))
	for _, g := range reqs {
		events := make([]kernelsampler.EventDescriptor, 0, len(g.Events))
		for _, e := range g.Events {
			desc := kernelsampler.EventDescriptor{Name: e.Name, Precise: e.Precise}
			if e.Type != nil {
				desc.Type = *e.Type
			}
			if e.Config != nil {
				desc.Config = *e.Config
			}
			if e.SamplePeriod != nil {
				desc.SamplePeriod = *e.SamplePeriod
			}
			if e.Logical != "" {
				kind, ok := sample.LookupLogicalEvent(e.Logical)
				if !ok {
					return nil, fmt.Errorf("unknown logical event %q", e.Logical)
				}
				desc.Logical = kind
				desc.HasLogical = true
			}
			events = append(events, desc)
		}
		groups = append(groups, kernelsampler.Group{Name: g.Name, Events: events})
	}
	return groups, nil
}

func (s *Server) handlePMUConfig(w http.ResponseWriter, r *http.Request) {
	var req pmuConfigRequest
	if err := decode(r, &req); err != nil {
		invalid(w)
		return
	}

	sentinelGroups, err := toGroups(req.Sentinel)
	if err != nil {
		invalid(w)
		return
	}
	diagnosticGroups, err := toGroups(req.Diagnostic)
	if err != nil {
		invalid(w)
		return
	}

	// Applied atomically per arm (spec §4.14): validate both arms fully
	// before mutating either.
	if req.Sentinel != nil {
		s.deps.Groups.SetGroups(mode.Sentinel, sentinelGroups)
	}
	if req.Diagnostic != nil {
		s.deps.Groups.SetGroups(mode.Diagnostic, diagnosticGroups)
	}
	ok(w)
}

type jitRequest struct {
	PID     uint32 `json:"pid"`
	Start   uint64 `json:"start"`
	End     uint64 `json:"end"`
	Path    string `json:"path"`
	BuildID string `json:"build_id"`
}

func (s *Server) handleSymbolsJIT(w http.ResponseWriter, r *http.Request) {
	var req jitRequest
	if err := decode(r, &req); err != nil {
		invalid(w)
		return
	}
	if req.PID == 0 || req.Start == 0 || req.End <= req.Start || req.Path == "" {
		invalid(w)
		return
	}
	s.deps.JIT.RegisterJIT(req.PID, req.Start, req.End, req.Path, req.BuildID)
	ok(w)
}

type dataRequest struct {
	PID     uint32 `json:"pid"`
	Address uint64 `json:"address"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    uint64 `json:"size"`
}

func (s *Server) handleSymbolsData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := decode(r, &req); err != nil {
		invalid(w)
		return
	}
	if req.PID == 0 || req.Address == 0 || req.Name == "" {
		invalid(w)
		return
	}
	s.deps.DataObjects.RegisterData(req.PID, req.Address, req.Name, req.Type, req.Size)
	ok(w)
}

type targetsRequest struct {
	Targets []filter.TargetSpec `json:"targets"`
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	var req targetsRequest
	if err := decode(r, &req); err != nil {
		invalid(w)
		return
	}
	if err := s.deps.Targets.Apply(req.Targets); err != nil {
		invalid(w)
		return
	}
	ok(w)
}

var (
	_ ModeSetter    = (*mode.Controller)(nil)
	_ GroupSetter   = (*kernelsampler.Controller)(nil)
	_ JITRegistrar  = (*symbolizer.Symbolizer)(nil)
	_ DataRegistrar = (*symbolizer.Symbolizer)(nil)
	_ TargetApplier = (*filter.Filter)(nil)
)
