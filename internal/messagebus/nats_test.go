package messagebus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/mend/internal/eventbus"
)

func TestConfigFields(t *testing.T) {
	cfg := Config{
		URL:        "nats://custom:4222",
		StreamName: "CUSTOM",
		Timeout:    30 * time.Second,
	}
	if cfg.URL != "nats://custom:4222" {
		t.Errorf("got URL %q", cfg.URL)
	}
	if cfg.StreamName != "CUSTOM" {
		t.Errorf("got stream %q", cfg.StreamName)
	}
}

func TestNewBridgeBadURL(t *testing.T) {
	bus, err := eventbus.New(filepath.Join(t.TempDir(), "events.jsonl"), 10)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	defer bus.Close()

	_, err = NewBridge(Config{
		URL:     "nats://nonexistent-host:99999",
		Timeout: 500 * time.Millisecond,
	}, bus)
	if err == nil {
		t.Error("Expected connection error for unreachable NATS")
	}
}

// natsURL returns the NATS server URL for integration tests, or skips.
func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("Skipping: NATS_URL not set")
	}
	return url
}

func TestBridgeMirrorsLocalEvents(t *testing.T) {
	url := natsURL(t)

	bus, err := eventbus.New(filepath.Join(t.TempDir(), "events.jsonl"), 100)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	defer bus.Close()

	bridge, err := NewBridge(Config{URL: url, StreamName: "MEND_TEST"}, bus)
	if err != nil {
		t.Skipf("Skipping: NATS not available: %v", err)
	}
	defer bridge.Close()

	if err := bridge.Health(); err != nil {
		t.Fatalf("Bridge unhealthy: %v", err)
	}

	received := make(chan *nats.Msg, 1)
	sub, err := bridge.conn.Subscribe("mend.events.>", func(msg *nats.Msg) {
		select {
		case received <- msg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Emit(eventbus.EventTypePhaseStarted, "test", map[string]interface{}{"phase": "build"})

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("Event never mirrored to NATS")
	}
}
