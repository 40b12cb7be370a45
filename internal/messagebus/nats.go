// Package messagebus bridges the in-process event bus to NATS JetStream
// so other services can observe and feed the timeline without speaking
// the HTTP API.
package messagebus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/mend/internal/eventbus"
)

// Source tag applied to events that arrived over the bridge. Used to
// keep ingested events from being republished back out.
const bridgeSource = "nats"

// Config holds NATS bridge configuration.
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName string        // JetStream stream name (default: "MEND")
	Timeout    time.Duration // Connection timeout
}

// Bridge mirrors local events onto JetStream subjects and ingests
// externally published events into the local bus.
type Bridge struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	bus        *eventbus.EventBus
	streamName string
	url        string

	ingestSub *nats.Subscription
	done      chan struct{}
}

// NewBridge connects to NATS, ensures the stream, and starts mirroring in
// both directions.
func NewBridge(cfg Config, bus *eventbus.EventBus) (*Bridge, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "MEND"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Bridge] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Bridge] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	b := &Bridge{
		conn:       nc,
		js:         js,
		bus:        bus,
		streamName: cfg.StreamName,
		url:        cfg.URL,
		done:       make(chan struct{}),
	}

	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	if err := b.start(); err != nil {
		nc.Close()
		return nil, err
	}

	log.Printf("[Bridge] Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return b, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy so
// multiple consumers can observe the same subjects.
func (b *Bridge) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{"mend.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[Bridge] Created JetStream stream: %s", b.streamName)
		return nil
	}

	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// start wires both directions: local bus to mend.events.<type>, and
// mend.ingest.> back into the local bus.
func (b *Bridge) start() error {
	// Outbound: mirror local events, excluding ones that arrived over the
	// bridge so they don't echo.
	sub := b.bus.Subscribe("nats-bridge", func(e *eventbus.Event) bool {
		return e.Source != bridgeSource
	})
	go b.outbound(sub)

	// Inbound: core NATS subscription, fan-out semantics. Every bridge
	// instance should see every ingested event.
	ingestSub, err := b.conn.Subscribe("mend.ingest.>", func(msg *nats.Msg) {
		var event eventbus.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[Bridge] Failed to unmarshal ingested event: %v", err)
			return
		}
		if event.Type == "" {
			log.Printf("[Bridge] Dropping ingested event with no type from %s", msg.Subject)
			return
		}
		event.Source = bridgeSource
		if err := b.bus.Publish(&event); err != nil {
			log.Printf("[Bridge] Failed to publish ingested event: %v", err)
		}
	})
	if err != nil {
		b.bus.Unsubscribe("nats-bridge")
		return fmt.Errorf("failed to subscribe to ingest subjects: %w", err)
	}
	b.ingestSub = ingestSub
	return nil
}

func (b *Bridge) outbound(sub *eventbus.Subscriber) {
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			subject := fmt.Sprintf("mend.events.%s", event.Type)
			if _, err := b.js.Publish(subject, data); err != nil {
				// The local log is still authoritative; remote observers
				// miss the event.
				log.Printf("[Bridge] Failed to publish %s to %s: %v", event.ID, subject, err)
			}
		}
	}
}

// Health returns the health status of the NATS connection.
func (b *Bridge) Health() error {
	if b.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", b.streamName, err)
	}
	return nil
}

// Stats returns statistics about the bridge.
func (b *Bridge) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"url":       b.url,
		"stream":    b.streamName,
		"connected": b.conn.IsConnected(),
	}
	if streamInfo, err := b.js.StreamInfo(b.streamName); err == nil {
		stats["stream_messages"] = streamInfo.State.Msgs
		stats["stream_bytes"] = streamInfo.State.Bytes
		stats["stream_consumers"] = streamInfo.State.Consumers
	}
	return stats
}

// Close stops mirroring and closes the NATS connection.
func (b *Bridge) Close() error {
	close(b.done)
	b.bus.Unsubscribe("nats-bridge")
	if b.ingestSub != nil {
		_ = b.ingestSub.Unsubscribe()
	}
	b.conn.Close()
	log.Printf("[Bridge] Closed NATS connection")
	return nil
}
