package telephony

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ============================================
// CALL EVENT HUB
// Pushes call lifecycle events to browser clients over WebSocket
// ============================================

// CallEventType names a lifecycle event
type CallEventType string

const (
	EventConnected   CallEventType = "connected"
	EventCallTracked CallEventType = "call.tracked"
	EventCallUpdated CallEventType = "call.updated"
	EventCallRemoved CallEventType = "call.removed"
)

const (
	eventWriteWait   = 10 * time.Second
	eventPongWait    = 60 * time.Second
	eventPingPeriod  = (eventPongWait * 9) / 10
	eventBufferSize  = 64
	eventMaxReadSize = 4096
)

// CallEvent is one message on the event stream
type CallEvent struct {
	ID        string        `json:"id"`
	Type      CallEventType `json:"type"`
	Session   *CallSession  `json:"session,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// EventPublisher receives call lifecycle events. Publish must not block.
type EventPublisher interface {
	Publish(event CallEvent)
}

// CallEventHub fans events out to every connected WebSocket subscriber
type CallEventHub struct {
	mu          sync.RWMutex
	subscribers map[*eventSubscriber]struct{}
	closed      bool
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

type eventSubscriber struct {
	conn      *websocket.Conn
	send      chan CallEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewCallEventHub creates a hub. An empty allowedOrigins accepts any origin.
func NewCallEventHub(allowedOrigins []string, logger *slog.Logger) *CallEventHub {
	if logger == nil {
		logger = slog.Default()
	}
	hub := &CallEventHub{
		subscribers: make(map[*eventSubscriber]struct{}),
		logger:      logger.With("component", "CallEventHub"),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return hub
}

// Publish queues event for every subscriber, dropping it for subscribers whose buffer is full.
func (hub *CallEventHub) Publish(event CallEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for sub := range hub.subscribers {
		select {
		case sub.send <- event:
		default:
			hub.logger.Warn("subscriber buffer full, dropped event", "event_type", event.Type)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (hub *CallEventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &eventSubscriber{
		conn: conn,
		send: make(chan CallEvent, eventBufferSize),
		done: make(chan struct{}),
	}
	sub.send <- CallEvent{
		ID:        uuid.New().String(),
		Type:      EventConnected,
		Timestamp: time.Now().UnixMilli(),
	}

	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		sub.close()
		return
	}
	hub.subscribers[sub] = struct{}{}
	count := len(hub.subscribers)
	hub.mu.Unlock()

	hub.logger.Info("subscriber connected", "remote_addr", r.RemoteAddr, "subscribers", count)

	go sub.writePump(hub.logger)
	sub.readPump()

	hub.remove(sub)
	hub.logger.Info("subscriber disconnected", "remote_addr", r.RemoteAddr)
}

// Subscribers returns the number of connected clients.
func (hub *CallEventHub) Subscribers() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscribers)
}

// Close disconnects every subscriber and rejects new ones.
func (hub *CallEventHub) Close() error {
	hub.mu.Lock()
	subs := hub.subscribers
	hub.subscribers = make(map[*eventSubscriber]struct{})
	hub.closed = true
	hub.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	return nil
}

func (hub *CallEventHub) remove(sub *eventSubscriber) {
	hub.mu.Lock()
	delete(hub.subscribers, sub)
	hub.mu.Unlock()
	sub.close()
}

// readPump only watches for close frames and pongs; clients send nothing.
func (sub *eventSubscriber) readPump() {
	sub.conn.SetReadLimit(eventMaxReadSize)
	sub.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (sub *eventSubscriber) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return

		case event := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := sub.conn.WriteJSON(event); err != nil {
				logger.Debug("event write failed", "error", err)
				sub.close()
				return
			}

		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.close()
				return
			}
		}
	}
}

func (sub *eventSubscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.conn.Close()
	})
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
