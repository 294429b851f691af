// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package metricsexporter serves the in-memory gauge map over a single,
// minimal HTTP endpoint (spec §4.13).
package metricsexporter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
)

// Exporter is the Metrics Exporter component: a name -> value map rendered
// as plain `name value\n` lines on every accepted connection, with no
// HELP/TYPE lines (spec §4.13). The absence of such lines, and of a
// registry/label-type model, is a deliberate departure from
// client_golang's exposition format (see DESIGN.md), so this is a
// hand-rolled listener rather than a wrapped client_golang handler.
type Exporter struct {
	logger logr.Logger
	server *http.Server
	ln     net.Listener

	mu     sync.Mutex
	gauges map[string]float64
}

// New creates an Exporter listening at addr (host:port).
func New(addr string, logger logr.Logger) *Exporter {
	e := &Exporter{
		logger: logger.WithName("metrics-exporter"),
		gauges: make(map[string]float64),
	}
	// A single catch-all handler: every accepted connection gets the
	// whole map regardless of method or path (spec §4.13: "No request
	// parsing beyond accepting the connection").
	e.server = &http.Server{Addr: addr, Handler: http.HandlerFunc(e.handle)}
	return e
}

// SetGauge overwrites the value for name (spec §4.13: "set_gauge(name,
// value) overwrites"). name is expected to already include its serialized
// label set, e.g. `ms_norm_cost{flow="1",event="l3_miss"}`.
func (e *Exporter) SetGauge(name string, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gauges[name] = value
}

// Start begins serving in the background.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", e.server.Addr, err)
	}
	e.ln = ln
	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Error(err, "metrics exporter stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the listener's actual bound address, useful when New was
// given a port of 0.
func (e *Exporter) Addr() string {
	if e.ln == nil {
		return e.server.Addr
	}
	return e.ln.Addr().String()
}

// Stop gracefully shuts down the listener.
func (e *Exporter) Stop(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

func (e *Exporter) handle(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	names := make([]string, 0, len(e.gauges))
	for name := range e.gauges {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	for _, name := range names {
		fmt.Fprintf(w, "%s %s\n", name, strconv.FormatFloat(e.gauges[name], 'g', -1, 64))
	}
	e.mu.Unlock()
}
