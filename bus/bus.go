// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bus provides the topic-based publish/subscribe channel over which
// all control-plane components exchange events, plus a bridge to an external
// Redis broker so peer replicas can share state.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetops/logger"
	"fleetops/metrics"
)

// Message is one published event. Origin identifies the replica that first
// published it; the bridge uses it to suppress re-publication loops.
type Message struct {
	ID        string      `json:"id"`
	Topic     string      `json:"topic"`
	Origin    string      `json:"origin"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Handler processes messages delivered to a subscriber. Handlers for one
// subscription run sequentially in publish order.
type Handler func(msg *Message)

// subscriber owns a bounded FIFO queue drained by a dedicated goroutine
type subscriber struct {
	id      string
	topic   string
	handler Handler
	queue   chan *Message
	done    chan struct{}
}

// Bus is the in-process pub/sub hub
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*subscriber // topic -> subscription id -> subscriber
	index     map[string]string                 // subscription id -> topic
	forwarder func(*Message)                    // set by the bridge; called for local publishes
	origin    string
	queueSize int
	metrics   *metrics.ControlMetrics
	closed    bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Stats reports bus counters and queue capacity
type Stats struct {
	Subscribers int    `json:"subscribers"`
	QueueSize   int    `json:"queueSize"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// New creates a bus whose subscribers each get a FIFO queue of queueSize
func New(queueSize int, m *metrics.ControlMetrics) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		topics:    make(map[string]map[string]*subscriber),
		index:     make(map[string]string),
		origin:    uuid.NewString(),
		queueSize: queueSize,
		metrics:   m,
	}
}

// Origin returns this replica's bus identity
func (b *Bus) Origin() string { return b.origin }

// Subscribe registers a handler for a topic and returns an unsubscribe handle
func (b *Bus) Subscribe(topic string, handler Handler) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		queue:   make(chan *Message, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*subscriber)
	}
	b.topics[topic][sub.id] = sub
	b.index[sub.id] = topic
	b.mu.Unlock()

	go sub.run()
	return sub.id
}

// run drains the subscriber queue; FIFO per (topic, subscriber)
func (s *subscriber) run() {
	for msg := range s.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("bus handler panic on topic %s: %v", s.topic, r)
				}
			}()
			s.handler(msg)
		}()
	}
	close(s.done)
}

// Unsubscribe removes a subscription; delivery stops after queued messages drain
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	topic, ok := b.index[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub := b.topics[topic][id]
	delete(b.topics[topic], id)
	delete(b.index, id)
	b.mu.Unlock()

	close(sub.queue)
}

// Publish sends a locally originated message; it never blocks on slow
// subscribers. When a subscriber queue is full the message is dropped for
// that subscriber and the drop counter incremented.
func (b *Bus) Publish(topic string, payload interface{}) {
	msg := &Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Origin:    b.origin,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.deliver(msg, true)
}

// Inject delivers a message that originated elsewhere (bridge inbound). It is
// never forwarded back out.
func (b *Bus) Inject(msg *Message) {
	b.deliver(msg, false)
}

func (b *Bus) deliver(msg *Message, forward bool) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		logger.Warn("bus publish dropped (bus stopped): %s", msg.Topic)
		return
	}
	subs := make([]*subscriber, 0, len(b.topics[msg.Topic]))
	for _, s := range b.topics[msg.Topic] {
		subs = append(subs, s)
	}
	fwd := b.forwarder
	b.mu.RUnlock()

	b.published.Add(1)

	for _, s := range subs {
		select {
		case s.queue <- msg:
		default:
			b.dropped.Add(1)
			b.metrics.RecordBusDropped()
			logger.Warn("bus queue full on topic %s, dropping message for subscriber", msg.Topic)
		}
	}

	if forward && fwd != nil {
		fwd(msg)
	}
}

// SetForwarder installs the bridge hook invoked for every local publish
func (b *Bus) SetForwarder(fn func(*Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = fn
}

// Stats returns bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Subscribers: len(b.index),
		QueueSize:   b.queueSize,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Dropped returns the total number of messages dropped under backpressure
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops the bus; subsequent publishes are dropped
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.index))
	for id, topic := range b.index {
		subs = append(subs, b.topics[topic][id])
	}
	b.topics = make(map[string]map[string]*subscriber)
	b.index = make(map[string]string)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
	logger.Info("bus stopped")
}
