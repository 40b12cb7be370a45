// Package gateway streams the shared event timeline to long-lived
// observer connections and merges a narrow set of inbound control events
// back onto the bus.
package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/mend/internal/eventbus"
	"github.com/jordanhubbard/mend/internal/skillstore"
)

const (
	// Slow or dead observers are disconnected rather than allowed to
	// stall the fan-out path.
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Observers are dashboards and co-located agents; origin policy is
	// enforced by the API layer's CORS config, not per-socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientMessage is an inbound message from an observer. Only a closed set
// of types is accepted; everything else is logged and ignored so
// loosely-coupled senders never break the connection.
type ClientMessage struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// ServerMessage is an outbound message to an observer.
type ServerMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Gateway accepts observer connections, replays a snapshot, and streams
// subsequent events.
type Gateway struct {
	bus       *eventbus.EventBus
	store     *skillstore.Store
	tailLimit int
}

// New creates a gateway. tailLimit bounds the event history sent in the
// connect snapshot.
func New(bus *eventbus.EventBus, store *skillstore.Store, tailLimit int) *Gateway {
	if tailLimit <= 0 {
		tailLimit = 100
	}
	return &Gateway{bus: bus, store: store, tailLimit: tailLimit}
}

// ServeHTTP upgrades the connection and runs the observer session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	subscriberID := fmt.Sprintf("ws-%s-%d", r.RemoteAddr, time.Now().UnixNano())
	sub := g.bus.Subscribe(subscriberID, nil)
	defer g.bus.Unsubscribe(subscriberID)

	if err := g.sendSnapshot(conn); err != nil {
		log.Printf("[Gateway] Snapshot send failed for %s: %v", r.RemoteAddr, err)
		return
	}

	log.Printf("[Gateway] Observer connected: %s", r.RemoteAddr)

	// Read loop runs in its own goroutine; closing done tears down the
	// write loop.
	done := make(chan struct{})
	go g.readLoop(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			log.Printf("[Gateway] Observer disconnected: %s", r.RemoteAddr)
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			if err := g.write(conn, ServerMessage{Type: "event", Data: event}); err != nil {
				log.Printf("[Gateway] Dropping slow observer %s: %v", r.RemoteAddr, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendSnapshot sends the connect message: recent event history plus the
// currently known skills.
func (g *Gateway) sendSnapshot(conn *websocket.Conn) error {
	events, err := g.bus.ReadAll(g.tailLimit)
	if err != nil {
		log.Printf("[Gateway] Event tail read failed: %v", err)
		events = nil
	}

	snapshot := map[string]interface{}{
		"events": events,
	}
	if g.store != nil {
		if skills, err := g.store.List(); err == nil {
			snapshot["skills"] = skills
		}
	}

	return g.write(conn, ServerMessage{Type: "connected", Data: snapshot})
}

func (g *Gateway) write(conn *websocket.Conn, msg ServerMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// readLoop consumes inbound messages until the connection drops. Invalid
// messages are logged and dropped; they never terminate the session.
func (g *Gateway) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[Gateway] Malformed inbound message dropped: %v", err)
			continue
		}

		switch msg.Type {
		case eventbus.EventTypeExternal:
			// Externally observed event: validate and merge onto the
			// shared timeline.
			if len(msg.Payload) == 0 {
				log.Printf("[Gateway] Dropping %s message with empty payload", msg.Type)
				continue
			}
			g.bus.Emit(eventbus.EventTypeExternal, "gateway", msg.Payload)
		default:
			// Unrecognized types are ignored, not rejected, so senders
			// with a newer vocabulary don't break.
			log.Printf("[Gateway] Ignoring inbound message type %q", msg.Type)
		}
	}
}
