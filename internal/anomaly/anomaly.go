// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package anomaly polls host throughput and an optional latency probe,
// tracks an EWMA baseline per metric, and emits AnomalySignals when either
// deviates past its trigger ratio (spec §4.9).
package anomaly

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/mode"
)

const (
	// DefaultSampleInterval is the poll cadence.
	DefaultSampleInterval = 500 * time.Millisecond
	// DefaultAlpha is the EWMA smoothing factor, clamped to [0.01, 0.9].
	DefaultAlpha = 0.2
	// DefaultThroughputRatioTrigger fires ThroughputDrop below this ratio.
	DefaultThroughputRatioTrigger = 0.85
	// DefaultLatencyRatioTrigger fires LatencySpike above this ratio.
	DefaultLatencyRatioTrigger = 1.3
	// DefaultRefractoryPeriod bounds repeat emissions for the same metric.
	DefaultRefractoryPeriod = 5 * time.Second

	metricThroughput = "throughput"
	metricLatency    = "latency"
)

// ThroughputSource reads the host's cumulative interface byte counter.
// Collaborator interface; reading the actual counters is out of this
// package's scope.
type ThroughputSource interface {
	ReadBytes() (uint64, error)
}

// LatencyProbe reads an externally-populated latency probe value. ok is
// false when the probe file does not yet exist (spec §4.9: "optionally a
// latency probe file").
type LatencyProbe interface {
	ReadLatency() (value float64, ok bool, err error)
}

// Config controls polling cadence and trigger thresholds.
type Config struct {
	SampleInterval         time.Duration
	Alpha                  float64
	LatencyAlpha           float64
	ThroughputRatioTrigger float64
	LatencyRatioTrigger    float64
	RefractoryPeriod       time.Duration
	Now                    func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.Alpha < 0.01 {
		c.Alpha = 0.01
	}
	if c.Alpha > 0.9 {
		c.Alpha = 0.9
	}
	if c.LatencyAlpha <= 0 {
		c.LatencyAlpha = DefaultAlpha
	}
	if c.LatencyAlpha < 0.01 {
		c.LatencyAlpha = 0.01
	}
	if c.LatencyAlpha > 0.9 {
		c.LatencyAlpha = 0.9
	}
	if c.ThroughputRatioTrigger <= 0 {
		c.ThroughputRatioTrigger = DefaultThroughputRatioTrigger
	}
	if c.LatencyRatioTrigger <= 0 {
		c.LatencyRatioTrigger = DefaultLatencyRatioTrigger
	}
	if c.RefractoryPeriod <= 0 {
		c.RefractoryPeriod = DefaultRefractoryPeriod
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type metricState struct {
	initialized  bool
	baseline     float64
	lastEmission time.Time
}

// Monitor is the Anomaly Monitor component.
type Monitor struct {
	cfg        Config
	logger     logr.Logger
	throughput ThroughputSource
	latency    LatencyProbe

	lastBytes uint64
	lastRead  time.Time
	haveRead  bool

	mu      sync.Mutex
	metrics map[string]*metricState

	watcher *fsnotify.Watcher
}

// New creates a Monitor. throughput is required; latency may be nil if no
// probe is configured.
func New(cfg Config, throughput ThroughputSource, latency LatencyProbe, logger logr.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:        cfg,
		logger:     logger.WithName("anomaly-monitor"),
		throughput: throughput,
		latency:    latency,
		metrics:    make(map[string]*metricState),
	}
}

// WatchProbeDirectory starts an fsnotify watch on the latency probe file's
// parent directory and logs creations of and writes to the probe file. The
// watch does not feed Poll: Poll reads the probe on every cycle, so a probe
// file created after startup is read on the next poll either way.
func (m *Monitor) WatchProbeDirectory(probePath string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(probePath)); err != nil {
		w.Close()
		return err
	}
	m.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name == probePath && (event.Op&(fsnotify.Create|fsnotify.Write) != 0) {
					m.logger.V(1).Info("latency probe file changed", "path", probePath, "op", event.Op.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Error(err, "latency probe watch error")
			}
		}
	}()
	return nil
}

// Close releases the probe directory watch, if any.
func (m *Monitor) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Poll runs one polling cycle and invokes callback for every AnomalySignal
// produced (spec §4.9 steps 1-6).
func (m *Monitor) Poll(callback func(mode.AnomalySignal)) {
	now := m.cfg.Now()

	if m.throughput != nil {
		if bytes, err := m.throughput.ReadBytes(); err != nil {
			m.logger.V(1).Info("failed to read throughput counter", "error", err.Error())
		} else if m.haveRead {
			elapsed := now.Sub(m.lastRead).Seconds()
			if elapsed > 0 {
				var instant float64
				if bytes >= m.lastBytes {
					instant = float64(bytes-m.lastBytes) / elapsed
				}
				m.evaluate(metricThroughput, instant, now, callback)
			}
			m.lastBytes, m.lastRead = bytes, now
		} else {
			m.lastBytes, m.lastRead, m.haveRead = bytes, now, true
		}
	}

	if m.latency != nil {
		if value, ok, err := m.latency.ReadLatency(); err != nil {
			m.logger.V(1).Info("failed to read latency probe", "error", err.Error())
		} else if ok {
			m.evaluate(metricLatency, value, now, callback)
		}
	}
}

// evaluate implements spec §4.9 steps 2-6 for a single metric's instant
// value.
func (m *Monitor) evaluate(metric string, instant float64, now time.Time, callback func(mode.AnomalySignal)) {
	m.mu.Lock()
	st, ok := m.metrics[metric]
	if !ok {
		st = &metricState{}
		m.metrics[metric] = st
	}

	if !st.initialized {
		st.baseline = instant
		st.initialized = true
		m.mu.Unlock()
		return
	}

	alpha := m.cfg.Alpha
	if metric == metricLatency {
		alpha = m.cfg.LatencyAlpha
	}
	st.baseline = alpha*instant + (1-alpha)*st.baseline

	baseline := st.baseline
	if baseline < 1.0 {
		baseline = 1.0
	}
	ratio := instant / baseline

	var signal *mode.AnomalySignal
	switch metric {
	case metricThroughput:
		if ratio < m.cfg.ThroughputRatioTrigger {
			signal = &mode.AnomalySignal{Kind: mode.ThroughputDrop, Ratio: ratio, Value: instant}
		}
	case metricLatency:
		if ratio > m.cfg.LatencyRatioTrigger {
			signal = &mode.AnomalySignal{Kind: mode.LatencySpike, Ratio: ratio, Value: instant}
		}
	}

	var fire bool
	if signal != nil && now.Sub(st.lastEmission) >= m.cfg.RefractoryPeriod {
		st.lastEmission = now
		fire = true
	}
	m.mu.Unlock()

	if fire {
		signal.TimestampNs = uint64(now.UnixNano())
		callback(*signal)
	}
}
