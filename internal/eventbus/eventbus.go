// Package eventbus is the shared timeline every pipeline stage reports
// into: an append-only durable event log plus live fan-out to subscribers.
package eventbus

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	EventTypeRunStarted        = "run.started"
	EventTypeRunCompleted      = "run.completed"
	EventTypeRunFailed         = "run.failed"
	EventTypeRunFailedTerminal = "run.failed_terminal"
	EventTypePhaseStarted      = "phase.started"
	EventTypePhaseCompleted    = "phase.completed"
	EventTypePhaseFailed       = "phase.failed"
	EventTypeAttemptStarted    = "attempt.started"
	EventTypeAttemptSucceeded  = "attempt.succeeded"
	EventTypeAttemptFailed     = "attempt.failed"
	EventTypeCorrectionApplying = "correction.applying"
	EventTypeCorrectionFailed   = "correction.failed"
	EventTypeCandidateCaptured  = "candidate.captured"
	EventTypeExternal           = "pipeline.event"
)

// Event is one record on the timeline. Immutable once created; one JSON
// object per line in the durable log.
type Event struct {
	ID        string                 `json:"eventId"`
	Type      string                 `json:"eventType"`
	Timestamp int64                  `json:"timestamp"` // epoch millis
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
}

// Subscriber receives events published after subscription. Delivery to a
// slow subscriber is dropped rather than stalling the publisher.
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool
}

// Stats aggregates the durable log.
type Stats struct {
	TotalEvents   int64            `json:"total_events"`
	CountsByType  map[string]int64 `json:"counts_by_type"`
	LastEvent     *Event           `json:"last_event,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Subscribers   int              `json:"subscribers"`
}

// EventBus appends events durably and fans them out to subscribers.
// Safe for concurrent publishers and subscribers.
type EventBus struct {
	logFile *eventLog

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	// Single distributor goroutine preserves publish order for every
	// subscriber.
	buffer chan *Event
	done   chan struct{}

	statsMu      sync.Mutex
	totalEvents  int64
	countsByType map[string]int64
	lastEvent    *Event
	startedAt    time.Time

	closeOnce sync.Once
}

// New opens (or creates) the durable log at logPath and starts the bus.
func New(logPath string, bufferSize int) (*EventBus, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	logFile, err := openEventLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	eb := &EventBus{
		logFile:      logFile,
		subscribers:  make(map[string]*Subscriber),
		buffer:       make(chan *Event, bufferSize),
		done:         make(chan struct{}),
		countsByType: make(map[string]int64),
		startedAt:    time.Now(),
	}

	// Rebuild aggregate counters from the existing log so stats survive
	// restarts.
	total, byType, last, err := logFile.Aggregate()
	if err != nil {
		log.Printf("[EventBus] Failed to aggregate existing log: %v", err)
	} else {
		eb.totalEvents = total
		eb.countsByType = byType
		eb.lastEvent = last
	}

	go eb.distribute()
	return eb, nil
}

// NewEvent constructs an event with a generated id and current timestamp.
// IDs are time-based with a random suffix; uniqueness is best-effort.
func NewEvent(eventType, source string, payload map[string]interface{}) *Event {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	now := time.Now()
	return &Event{
		ID:        fmt.Sprintf("%d-%04x", now.UnixNano(), rand.Intn(0x10000)),
		Type:      eventType,
		Timestamp: now.UnixMilli(),
		Source:    source,
		Payload:   payload,
	}
}

// Publish appends the event to the durable log, then queues it for
// fan-out. The append is flushed before Publish returns: logged implies
// eventually broadcast, never the reverse.
func (eb *EventBus) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("%d-%04x", time.Now().UnixNano(), rand.Intn(0x10000))
	}

	if err := eb.logFile.Append(event); err != nil {
		return err
	}

	eb.statsMu.Lock()
	eb.totalEvents++
	eb.countsByType[event.Type]++
	eb.lastEvent = event
	eb.statsMu.Unlock()

	select {
	case eb.buffer <- event:
	default:
		// Fan-out buffer full. The event is already durable; live
		// observers miss it rather than stalling the pipeline.
		log.Printf("[EventBus] Fan-out buffer full, dropping live broadcast of %s", event.ID)
	}
	return nil
}

// Emit constructs and publishes an event in one step.
func (eb *EventBus) Emit(eventType, source string, payload map[string]interface{}) {
	if err := eb.Publish(NewEvent(eventType, source, payload)); err != nil {
		log.Printf("[EventBus] Failed to publish %s: %v", eventType, err)
	}
}

// Subscribe registers a subscriber. filter may be nil to receive all
// events. Events published before subscription are not replayed; use
// ReadAll for history.
func (eb *EventBus) Subscribe(subscriberID string, filter func(*Event) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}

	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *Event, 100),
		Filter:  filter,
	}
	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReadAll returns the last limit events from the durable log, oldest
// first. The read is a bounded tail, not a full-file load.
func (eb *EventBus) ReadAll(limit int) ([]*Event, error) {
	return eb.logFile.Tail(limit)
}

// Stats returns aggregate metrics over the durable log.
func (eb *EventBus) Stats() Stats {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	byType := make(map[string]int64, len(eb.countsByType))
	for k, v := range eb.countsByType {
		byType[k] = v
	}
	return Stats{
		TotalEvents:   eb.totalEvents,
		CountsByType:  byType,
		LastEvent:     eb.lastEvent,
		UptimeSeconds: int64(time.Since(eb.startedAt).Seconds()),
		Subscribers:   eb.SubscriberCount(),
	}
}

func (eb *EventBus) distribute() {
	for {
		select {
		case <-eb.done:
			return
		case event, ok := <-eb.buffer:
			if !ok {
				return
			}
			eb.fanOut(event)
		}
	}
}

func (eb *EventBus) fanOut(event *Event) {
	eb.mu.RLock()
	subs := make([]*Subscriber, 0, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		subs = append(subs, sub)
	}
	eb.mu.RUnlock()

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Subscriber is not keeping up; drop instead of blocking
			// the distributor.
			log.Printf("[EventBus] Subscriber %s slow, dropped event %s", sub.ID, event.ID)
		}
	}
}

// Close stops fan-out and closes the durable log.
func (eb *EventBus) Close() error {
	var err error
	eb.closeOnce.Do(func() {
		close(eb.done)

		eb.mu.Lock()
		for id, sub := range eb.subscribers {
			close(sub.Channel)
			delete(eb.subscribers, id)
		}
		eb.mu.Unlock()

		err = eb.logFile.Close()
	})
	return err
}
