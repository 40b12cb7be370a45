package eventbus

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestBus(t *testing.T) (*EventBus, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	bus, err := New(path, 100)
	if err != nil {
		t.Fatalf("Failed to create event bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus, path
}

func waitForEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for event")
		return nil
	}
}

func TestPublishDurableBeforeReturn(t *testing.T) {
	bus, _ := newTestBus(t)

	event := NewEvent(EventTypeAttemptStarted, "test", map[string]interface{}{"attempt": 1})
	if err := bus.Publish(event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// The event is durable by the time Publish returns.
	events, err := bus.ReadAll(10)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event in log, got %d", len(events))
	}
	if events[0].ID != event.ID || events[0].Type != EventTypeAttemptStarted {
		t.Errorf("Logged event mismatch: %+v", events[0])
	}
	if events[0].Timestamp == 0 {
		t.Error("Expected epoch-millis timestamp")
	}
}

func TestPublishNil(t *testing.T) {
	bus, _ := newTestBus(t)
	if err := bus.Publish(nil); err == nil {
		t.Error("Expected error for nil event")
	}
}

func TestSubscribersAllReceive(t *testing.T) {
	bus, _ := newTestBus(t)

	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = bus.Subscribe(fmt.Sprintf("sub-%d", i), nil)
	}

	bus.Emit(EventTypePhaseStarted, "test", map[string]interface{}{"phase": "build"})

	for i, sub := range subs {
		event := waitForEvent(t, sub.Channel)
		if event.Type != EventTypePhaseStarted {
			t.Errorf("Subscriber %d got wrong event type %s", i, event.Type)
		}
	}
}

func TestSubscriberOrderPreserved(t *testing.T) {
	bus, _ := newTestBus(t)
	sub := bus.Subscribe("ordered", nil)

	const n = 20
	for i := 0; i < n; i++ {
		bus.Emit(EventTypeAttemptStarted, "test", map[string]interface{}{"seq": i})
	}

	for i := 0; i < n; i++ {
		event := waitForEvent(t, sub.Channel)
		seq, ok := event.Payload["seq"].(int)
		if !ok {
			// Payload round-trips through the channel untouched.
			t.Fatalf("Unexpected payload type: %T", event.Payload["seq"])
		}
		if seq != i {
			t.Fatalf("Out-of-order delivery: expected %d, got %d", i, seq)
		}
	}
}

func TestSubscriberFilter(t *testing.T) {
	bus, _ := newTestBus(t)
	sub := bus.Subscribe("filtered", func(e *Event) bool {
		return e.Type == EventTypePhaseFailed
	})

	bus.Emit(EventTypePhaseStarted, "test", nil)
	bus.Emit(EventTypePhaseFailed, "test", nil)

	event := waitForEvent(t, sub.Channel)
	if event.Type != EventTypePhaseFailed {
		t.Errorf("Filter leaked event type %s", event.Type)
	}

	select {
	case extra := <-sub.Channel:
		t.Errorf("Unexpected extra event: %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus, _ := newTestBus(t)
	bus.Subscribe("slow", nil) // never drained

	done := make(chan struct{})
	go func() {
		// Well beyond the subscriber channel capacity.
		for i := 0; i < 500; i++ {
			bus.Emit(EventTypeAttemptStarted, "test", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// Every event is still durable even when live delivery dropped.
	deadline := time.After(5 * time.Second)
	for {
		stats := bus.Stats()
		if stats.TotalEvents == 500 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Expected 500 durable events, got %d", stats.TotalEvents)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus, _ := newTestBus(t)
	sub := bus.Subscribe("gone", nil)
	bus.Unsubscribe("gone")

	if _, ok := <-sub.Channel; ok {
		t.Error("Expected closed channel after Unsubscribe")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}
}

func TestReadAllBoundedTail(t *testing.T) {
	bus, _ := newTestBus(t)

	for i := 0; i < 50; i++ {
		bus.Emit(EventTypeAttemptStarted, "test", map[string]interface{}{"seq": i})
	}

	events, err := bus.ReadAll(10)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 10 {
		t.Fatalf("Expected 10 events, got %d", len(events))
	}
	// Oldest-first within the tail: sequences 40..49.
	if seq := events[0].Payload["seq"].(float64); seq != 40 {
		t.Errorf("Expected tail to start at seq 40, got %v", seq)
	}
	if seq := events[9].Payload["seq"].(float64); seq != 49 {
		t.Errorf("Expected tail to end at seq 49, got %v", seq)
	}
}

func TestStatsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	bus, err := New(path, 100)
	if err != nil {
		t.Fatalf("Failed to create event bus: %v", err)
	}
	bus.Emit(EventTypePhaseStarted, "test", nil)
	bus.Emit(EventTypePhaseCompleted, "test", nil)
	bus.Emit(EventTypePhaseCompleted, "test", nil)
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	bus2, err := New(path, 100)
	if err != nil {
		t.Fatalf("Failed to reopen event bus: %v", err)
	}
	defer bus2.Close()

	stats := bus2.Stats()
	if stats.TotalEvents != 3 {
		t.Errorf("Expected 3 events after reopen, got %d", stats.TotalEvents)
	}
	if stats.CountsByType[EventTypePhaseCompleted] != 2 {
		t.Errorf("Expected 2 phase.completed, got %d", stats.CountsByType[EventTypePhaseCompleted])
	}
	if stats.LastEvent == nil || stats.LastEvent.Type != EventTypePhaseCompleted {
		t.Errorf("Unexpected last event: %+v", stats.LastEvent)
	}
}

func TestEventJSONShape(t *testing.T) {
	bus, _ := newTestBus(t)
	bus.Emit(EventTypeCandidateCaptured, "executor", map[string]interface{}{"candidate_id": "cand-1"})

	events, err := bus.ReadAll(1)
	if err != nil || len(events) != 1 {
		t.Fatalf("ReadAll failed: %v (%d events)", err, len(events))
	}

	e := events[0]
	if e.ID == "" || e.Type != EventTypeCandidateCaptured || e.Source != "executor" {
		t.Errorf("Unexpected event fields: %+v", e)
	}
	if e.Payload["candidate_id"] != "cand-1" {
		t.Errorf("Payload did not round-trip: %+v", e.Payload)
	}
}
