package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	syncer "github.com/IRSPlays/ProjectCortexV2-sub000/internal/sync"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/uuid"
)

// Live feed event types.
const (
	EventStored        = "event.stored"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from the device itself
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	},
}

// FeedEnvelope wraps all feed messages.
type FeedEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// feedClient is one WebSocket connection on the live feed.
type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *FeedHub

	mu            sync.Mutex
	subscriptions map[string]bool // empty means everything
}

func (c *feedClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// FeedHub fans stored events and sync outcomes out to local viewers.
type FeedHub struct {
	clients    map[string]*feedClient
	broadcast  chan FeedEnvelope
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewFeedHub creates a hub and starts its loop.
func NewFeedHub() *FeedHub {
	hub := &FeedHub{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedEnvelope, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		log:        logging.Get().WithComponent("feed"),
	}
	go hub.run()
	return hub
}

// Close stops the hub loop and drops every client.
func (h *FeedHub) Close() {
	close(h.done)
}

// Clients returns the number of connected clients.
func (h *FeedHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *FeedHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Feed client connected", map[string]interface{}{"client_id": client.id, "total": n})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Feed client disconnected", map[string]interface{}{"client_id": client.id, "total": n})

		case env := <-h.broadcast:
			data, err := json.Marshal(env)
			if err != nil {
				h.log.Error("Failed to marshal feed message", err)
				continue
			}
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(env.Type) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// slow viewer
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every subscribed client. It never blocks
// the caller; messages are dropped when the queue is full.
func (h *FeedHub) Broadcast(eventType string, data map[string]interface{}) {
	env := FeedEnvelope{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()}
	select {
	case h.broadcast <- env:
	case <-h.done:
	default:
	}
}

// BroadcastEventStored announces a committed local event.
func (h *FeedHub) BroadcastEventStored(rec *models.EventRecord) {
	h.Broadcast(EventStored, map[string]interface{}{
		"id":         rec.ID,
		"category":   rec.Category,
		"created_at": rec.CreatedAt,
		"payload":    json.RawMessage(rec.Payload),
	})
}

// BroadcastSyncCycle announces the outcome of a sync cycle. Idle successful
// cycles are not announced.
func (h *FeedHub) BroadcastSyncCycle(res syncer.CycleResult) {
	switch res.Outcome {
	case syncer.OutcomeSuccess, syncer.OutcomePartialFailure:
		if res.Batches == 0 {
			return
		}
		h.Broadcast(EventSyncCompleted, map[string]interface{}{
			"run_id":       res.RunID,
			"outcome":      res.Outcome,
			"synced":       res.Synced,
			"rejected":     res.Rejected,
			"poison_pills": res.PoisonPills,
		})
	default:
		data := map[string]interface{}{
			"run_id":    res.RunID,
			"outcome":   res.Outcome,
			"retryable": res.Err == nil || apperrors.IsTransient(res.Err),
		}
		if res.Err != nil {
			data["error_code"] = apperrors.CodeOf(res.Err)
		}
		h.Broadcast(EventSyncFailed, data)
	}
}

// readPump reads subscription changes from the client.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Feed read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *feedClient) reply(v map[string]interface{}) {
	v["timestamp"] = time.Now().UnixMilli()
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	defer func() {
		// send may already be closed by the hub
		recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

// HandleFeed upgrades GET /ws to a live feed connection.
func HandleFeed(hub *FeedHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("Feed upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &feedClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
