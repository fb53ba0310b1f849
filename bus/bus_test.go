// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/metrics"
)

// collector accumulates delivered payloads behind a mutex
type collector struct {
	mu       sync.Mutex
	payloads []interface{}
	seen     chan struct{}
}

func newCollector(expect int) *collector {
	return &collector{seen: make(chan struct{}, expect)}
}

func (c *collector) handler(msg *Message) {
	c.mu.Lock()
	c.payloads = append(c.payloads, msg.Payload)
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
}

func (c *collector) all() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	c := newCollector(10)
	b.Subscribe("topic.a", c.handler)

	for i := 0; i < 10; i++ {
		b.Publish("topic.a", i)
	}
	c.wait(t, 10)

	got := c.all()
	require.Len(t, got, 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	a := newCollector(1)
	other := newCollector(1)
	b.Subscribe("topic.a", a.handler)
	b.Subscribe("topic.b", other.handler)

	b.Publish("topic.a", "hello")
	a.wait(t, 1)

	assert.Len(t, a.all(), 1)
	assert.Empty(t, other.all())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	c := newCollector(2)
	id := b.Subscribe("topic.a", c.handler)

	b.Publish("topic.a", 1)
	c.wait(t, 1)

	b.Unsubscribe(id)
	b.Publish("topic.a", 2)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.all(), 1)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(1, nil)
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe("topic.a", func(msg *Message) {
		<-block
	})

	// First message occupies the handler, second fills the queue, the rest
	// must be dropped without blocking the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish("topic.a", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)

	assert.Greater(t, b.Dropped(), uint64(0))
}

func TestDroppedMessagesRecordedInMetrics(t *testing.T) {
	m := metrics.New()
	b := New(1, m)
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe("topic.a", func(msg *Message) {
		<-block
	})

	for i := 0; i < 10; i++ {
		b.Publish("topic.a", i)
	}
	close(block)

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.BusDroppedTotal), 1.0)
}

func TestHandlerPanicDoesNotKillSubscriber(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	c := newCollector(1)
	b.Subscribe("topic.a", func(msg *Message) {
		if msg.Payload == "boom" {
			panic("handler exploded")
		}
		c.handler(msg)
	})

	b.Publish("topic.a", "boom")
	b.Publish("topic.a", "fine")
	c.wait(t, 1)

	assert.Equal(t, []interface{}{"fine"}, c.all())
}

func TestInjectNotForwarded(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	var forwarded []*Message
	var mu sync.Mutex
	b.SetForwarder(func(msg *Message) {
		mu.Lock()
		forwarded = append(forwarded, msg)
		mu.Unlock()
	})

	c := newCollector(2)
	b.Subscribe("topic.a", c.handler)

	b.Publish("topic.a", "local")
	b.Inject(&Message{ID: "x", Topic: "topic.a", Origin: "peer", Payload: "remote"})
	c.wait(t, 2)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, forwarded, 1)
	assert.Equal(t, "local", forwarded[0].Payload)
}

func TestPublishAfterCloseDropped(t *testing.T) {
	b := New(16, nil)
	c := newCollector(1)
	b.Subscribe("topic.a", c.handler)

	b.Close()
	b.Publish("topic.a", "late")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.all())
}

func TestStats(t *testing.T) {
	b := New(8, nil)
	defer b.Close()

	c := newCollector(1)
	b.Subscribe("topic.a", c.handler)
	b.Publish("topic.a", 1)
	c.wait(t, 1)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, 8, stats.QueueSize)
	assert.Equal(t, uint64(1), stats.Published)
}
