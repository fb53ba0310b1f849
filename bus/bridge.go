// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetops/logger"
	"fleetops/metrics"
)

// Bridge forwards local publishes whose topic matches the configured prefix
// to a Redis broker, and re-injects inbound messages from peer replicas.
// A broker outage is non-fatal: the bus keeps operating locally and the
// bridge reconnects with exponential backoff.
type Bridge struct {
	bus     *Bus
	client  *redis.Client
	prefix  string
	channel string // redis channel pattern, derived from prefix
	metrics *metrics.ControlMetrics

	reconnect    time.Duration
	maxReconnect time.Duration

	mu         sync.Mutex
	running    bool
	decoders   map[string]Decoder
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastErrLog time.Time

	reconnects atomic.Uint64
	forwarded  atomic.Uint64
	received   atomic.Uint64
}

// BridgeStats reports bridge counters
type BridgeStats struct {
	Reconnects uint64 `json:"reconnects"`
	Forwarded  uint64 `json:"forwarded"`
	Received   uint64 `json:"received"`
}

// Decoder turns a bridged JSON payload back into the concrete type local
// subscribers expect on that topic.
type Decoder func(data []byte) (interface{}, error)

// wireMessage defers payload decoding until the topic's decoder is known
type wireMessage struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewBridge creates a bridge for the given Redis URL. An empty prefix
// forwards every topic.
func NewBridge(b *Bus, redisURL, prefix string, reconnect time.Duration, m *metrics.ControlMetrics) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if reconnect <= 0 {
		reconnect = time.Second
	}
	channel := "fleetops.*"
	if prefix != "" {
		channel = "fleetops." + prefix + "*"
	}
	return &Bridge{
		bus:          b,
		client:       redis.NewClient(opts),
		prefix:       prefix,
		channel:      channel,
		metrics:      m,
		decoders:     make(map[string]Decoder),
		reconnect:    reconnect,
		maxReconnect: 30 * time.Second,
	}, nil
}

// RegisterDecoder installs the payload decoder for one topic. Inbound
// messages on topics without a decoder keep their generic JSON form, which
// typed subscribers will ignore.
func (br *Bridge) RegisterDecoder(topic string, dec Decoder) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.decoders[topic] = dec
}

// Start attaches the bridge to the bus and begins the inbound loop
func (br *Bridge) Start(ctx context.Context) {
	br.mu.Lock()
	if br.running {
		br.mu.Unlock()
		return
	}
	br.running = true
	ctx, br.cancel = context.WithCancel(ctx)
	br.mu.Unlock()

	br.bus.SetForwarder(func(msg *Message) { br.forward(ctx, msg) })

	br.wg.Add(1)
	go br.inboundLoop(ctx)

	logger.Info("bus bridge started (channel pattern %s)", br.channel)
}

// forward publishes a local message to the broker; failures are logged at
// most once per retry window.
func (br *Bridge) forward(ctx context.Context, msg *Message) {
	if br.prefix != "" && !strings.HasPrefix(msg.Topic, br.prefix) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("bridge marshal failed for topic %s: %v", msg.Topic, err)
		return
	}
	if err := br.client.Publish(ctx, "fleetops."+msg.Topic, data).Err(); err != nil {
		br.logThrottled("bridge publish failed: %v", err)
		return
	}
	br.forwarded.Add(1)
}

// inboundLoop subscribes to the broker and re-injects peer messages
func (br *Bridge) inboundLoop(ctx context.Context) {
	defer br.wg.Done()

	delay := br.reconnect
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub := br.client.PSubscribe(ctx, br.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			br.logThrottled("bridge subscribe failed, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > br.maxReconnect {
				delay = br.maxReconnect
			}
			br.reconnects.Add(1)
			br.metrics.RecordBridgeReconnect()
			continue
		}

		delay = br.reconnect
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok {
					break recv
				}
				br.handleInbound(m.Payload)
			}
		}
		_ = sub.Close()
	}
}

func (br *Bridge) handleInbound(payload string) {
	var wire wireMessage
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		logger.Warn("bridge received malformed message: %v", err)
		return
	}
	// Our own publishes come back from the broker; drop them here.
	if wire.Origin == br.bus.Origin() {
		return
	}

	msg := &Message{
		ID:        wire.ID,
		Topic:     wire.Topic,
		Origin:    wire.Origin,
		Timestamp: wire.Timestamp,
	}
	br.mu.Lock()
	dec := br.decoders[wire.Topic]
	br.mu.Unlock()
	if dec != nil {
		decoded, err := dec(wire.Payload)
		if err != nil {
			logger.Warn("bridge payload decode failed on topic %s: %v", wire.Topic, err)
			return
		}
		msg.Payload = decoded
	} else {
		var generic interface{}
		if err := json.Unmarshal(wire.Payload, &generic); err != nil {
			logger.Warn("bridge received malformed payload on topic %s: %v", wire.Topic, err)
			return
		}
		msg.Payload = generic
	}

	br.received.Add(1)
	br.bus.Inject(msg)
}

// logThrottled logs at most one error per reconnect window
func (br *Bridge) logThrottled(format string, args ...interface{}) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if time.Since(br.lastErrLog) < br.reconnect {
		return
	}
	br.lastErrLog = time.Now()
	logger.Error(format, args...)
}

// Stats returns bridge counters
func (br *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Reconnects: br.reconnects.Load(),
		Forwarded:  br.forwarded.Load(),
		Received:   br.received.Load(),
	}
}

// Stop detaches the bridge and closes the broker connection
func (br *Bridge) Stop() {
	br.mu.Lock()
	if !br.running {
		br.mu.Unlock()
		return
	}
	br.running = false
	br.cancel()
	br.mu.Unlock()

	br.bus.SetForwarder(nil)
	br.wg.Wait()
	if err := br.client.Close(); err != nil {
		logger.Warn("bridge close: %v", err)
	}
	logger.Info("bus bridge stopped")
}
