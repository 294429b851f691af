// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hjjiang123/MicroSentinel/internal/eventbus"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	name string
	mu   sync.Mutex
	got  []eventbus.Event
	done chan struct{}
}

func newRecordingConsumer(name string) *recordingConsumer {
	return &recordingConsumer{name: name, done: make(chan struct{})}
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Start(events <-chan eventbus.Event) error {
	go func() {
		for e := range events {
			c.mu.Lock()
			c.got = append(c.got, e)
			c.mu.Unlock()
		}
		close(c.done)
	}()
	return nil
}

func (c *recordingConsumer) Stop() error { return nil }

func (c *recordingConsumer) Health() eventbus.ConsumerHealth {
	return eventbus.ConsumerHealth{Healthy: true}
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestPublishedEventsReachAllConsumers(t *testing.T) {
	bus := eventbus.New(eventbus.Config{FlushInterval: 10 * time.Millisecond, MaxBatchSize: 10}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bus.Start(ctx)
	}()

	a := newRecordingConsumer("a")
	b := newRecordingConsumer("b")
	require.NoError(t, bus.RegisterConsumer(a))
	require.NoError(t, bus.RegisterConsumer(b))

	require.NoError(t, bus.Publish(eventbus.Event{Kind: eventbus.KindRollup, Rollup: &eventbus.RollupEvent{Key: sample.AttributionKey{FlowID: 1}}}))

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
	<-a.done
	<-b.done
}

func TestPublishAfterStopReturnsErrBusClosed(t *testing.T) {
	bus := eventbus.New(eventbus.Config{FlushInterval: 10 * time.Millisecond}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bus.Start(ctx)
		close(done)
	}()

	cancel()
	<-done

	err := bus.Publish(eventbus.Event{Kind: eventbus.KindStack})
	assert.ErrorIs(t, err, eventbus.ErrBusClosed)
}

func TestDropPolicyNewestRejectsWhenFull(t *testing.T) {
	bus := eventbus.New(eventbus.Config{
		BufferSize:    1,
		FlushInterval: time.Hour,
		DropPolicy:    eventbus.DropPolicyNewest,
	}, logr.Discard())

	require.NoError(t, bus.Publish(eventbus.Event{Kind: eventbus.KindStack}))
	err := bus.Publish(eventbus.Event{Kind: eventbus.KindStack})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), bus.GetStats().DroppedEvents)
}

func TestNeedLeaderElectionIsAlwaysFalse(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, logr.Discard())
	assert.False(t, bus.NeedLeaderElection())
}
