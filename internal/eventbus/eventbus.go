// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package eventbus is the flush-cycle pub/sub backbone: the Runtime
// Orchestrator publishes one Event per drained rollup, stack, data
// object, and finding (spec §4.15), and any number of consumers (the
// Sink Writer, the Metrics Exporter) subscribe independently.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/falsesharing"
	"github.com/hjjiang123/MicroSentinel/internal/remotedram"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// Kind tags which field of an Event is populated.
type Kind uint8

const (
	KindRollup Kind = iota
	KindStack
	KindDataObject
	KindFalseSharing
	KindRemoteDram
)

// RollupEvent is one flushed aggregator entry.
type RollupEvent struct {
	Key   sample.AttributionKey
	Value sample.AggregatedValue
}

// Event is the bus's single envelope type. Exactly one of the pointer
// fields matching Kind is non-nil.
type Event struct {
	Kind         Kind
	Rollup       *RollupEvent
	Stack        *sample.StackTrace
	DataObject   *sample.DataSymbol
	FalseSharing *falsesharing.FalseSharingFinding
	RemoteDram   *remotedram.Finding
}

// DropPolicy determines behavior when the bus's own buffer is full.
type DropPolicy string

const (
	DropPolicyOldest DropPolicy = "oldest"
	DropPolicyNewest DropPolicy = "newest"
	DropPolicyBlock  DropPolicy = "block"
)

// ErrBusClosed is returned by Publish after Stop.
var ErrBusClosed = errors.New("event bus is closed")

// Config configures a Bus.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	MaxBatchSize  int
	DropPolicy    DropPolicy
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.DropPolicy == "" {
		c.DropPolicy = DropPolicyOldest
	}
}

// Consumer receives batched events from a Bus.
type Consumer interface {
	Name() string
	Start(events <-chan Event) error
	Stop() error
	Health() ConsumerHealth
}

// ConsumerHealth reports a consumer's liveness for diagnostics.
type ConsumerHealth struct {
	Healthy   bool
	LastError error
}

type consumerChannel struct {
	consumer Consumer
	channel  chan Event
}

// Bus is the in-memory, multi-consumer event bus. It implements
// controller-runtime's manager.Runnable and manager.LeaderElectionRunnable
// interfaces (asserted below) so it could be added to a manager.Manager,
// even though the orchestrator drives it directly rather than through one.
type Bus struct {
	cfg    Config
	logger logr.Logger

	mu        sync.RWMutex
	consumers map[string]consumerChannel

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	totalEvents   atomic.Uint64
	droppedEvents atomic.Uint64
}

// New creates a Bus. Call Start to begin dispatching.
func New(cfg Config, logger logr.Logger) *Bus {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg,
		logger:    logger.WithName("event-bus"),
		consumers: make(map[string]consumerChannel),
		events:    make(chan Event, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the dispatch loop until ctx is cancelled, then stops every
// registered consumer.
func (b *Bus) Start(ctx context.Context) error {
	b.logger.Info("starting event bus", "buffer_size", b.cfg.BufferSize)

	b.wg.Add(1)
	go b.dispatchLoop()

	<-ctx.Done()

	b.logger.Info("shutting down event bus")
	return b.stop()
}

// NeedLeaderElection always returns false: event dispatch runs on every
// node, the same reasoning the teacher's metrics router uses.
func (b *Bus) NeedLeaderElection() bool {
	return false
}

func (b *Bus) stop() error {
	b.closed.Store(true)
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, cc := range b.consumers {
		if err := cc.consumer.Stop(); err != nil {
			b.logger.Error(err, "failed to stop consumer", "consumer", name)
		}
		close(cc.channel)
	}
	close(b.events)
	return nil
}

// RegisterConsumer starts consumer on its own channel and adds it to the
// dispatch set.
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := consumer.Name()
	if _, exists := b.consumers[name]; exists {
		return fmt.Errorf("consumer %s already registered", name)
	}

	ch := make(chan Event, b.cfg.BufferSize/4)
	if err := consumer.Start(ch); err != nil {
		close(ch)
		return fmt.Errorf("starting consumer %s: %w", name, err)
	}

	b.consumers[name] = consumerChannel{consumer: consumer, channel: ch}
	b.logger.Info("consumer registered", "consumer", name)
	return nil
}

// UnregisterConsumer stops and removes a consumer.
func (b *Bus) UnregisterConsumer(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cc, exists := b.consumers[name]
	if !exists {
		return fmt.Errorf("consumer %s not found", name)
	}
	if err := cc.consumer.Stop(); err != nil {
		b.logger.Error(err, "failed to stop consumer during unregister", "consumer", name)
	}
	close(cc.channel)
	delete(b.consumers, name)
	return nil
}

// Publish emits one event, applying the configured drop policy if the
// bus's internal buffer is full.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	select {
	case b.events <- event:
		b.totalEvents.Add(1)
		return nil
	default:
	}

	switch b.cfg.DropPolicy {
	case DropPolicyNewest:
		b.droppedEvents.Add(1)
		return fmt.Errorf("event dropped: buffer full")
	case DropPolicyBlock:
		select {
		case b.events <- event:
			b.totalEvents.Add(1)
			return nil
		case <-b.ctx.Done():
			return b.ctx.Err()
		}
	default: // DropPolicyOldest
		select {
		case <-b.events:
			b.droppedEvents.Add(1)
		default:
		}
		select {
		case b.events <- event:
			b.totalEvents.Add(1)
			return nil
		default:
			b.droppedEvents.Add(1)
			return fmt.Errorf("event dropped: buffer full")
		}
	}
}

// Stats reports bus-level counters.
type Stats struct {
	TotalEvents   uint64
	DroppedEvents uint64
	ConsumerCount int
}

// GetStats returns a snapshot of the bus's counters.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		TotalEvents:   b.totalEvents.Load(),
		DroppedEvents: b.droppedEvents.Load(),
		ConsumerCount: len(b.consumers),
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, b.cfg.MaxBatchSize)

	for {
		select {
		case event, ok := <-b.events:
			if !ok {
				b.deliver(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= b.cfg.MaxBatchSize {
				b.deliver(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.deliver(batch)
				batch = batch[:0]
			}
		case <-b.ctx.Done():
			b.deliver(batch)
			return
		}
	}
}

// Bus satisfies controller-runtime's Runnable/LeaderElectionRunnable
// interfaces so it can be added to a manager.Manager, even though
// SPEC_FULL.md's orchestrator drives it directly without one.
var (
	_ manager.Runnable               = (*Bus)(nil)
	_ manager.LeaderElectionRunnable = (*Bus)(nil)
)

func (b *Bus) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, event := range batch {
		for name, cc := range b.consumers {
			select {
			case cc.channel <- event:
			default:
				b.logger.V(1).Info("consumer channel full, dropping event", "consumer", name)
			}
		}
	}
}
