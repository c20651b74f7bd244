// Package stream pushes defense events to websocket clients. Dashboards
// subscribe here for the live verdict feed.
package stream

import (
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/decoyhq/mirage/internal/events"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
)

// Hub fans defense events out to connected websocket clients. The run loop
// is the only goroutine touching the client set; handlers talk to it over
// the register and unregister channels.
type Hub struct {
	bus      *events.Bus
	logger   *log.Logger
	upgrader websocket.Upgrader

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	ch   chan *events.Event
	quit chan struct{}
	done chan struct{}

	stopped     atomic.Bool
	connected   atomic.Int64
	broadcasts  atomic.Int64
	writeErrors atomic.Int64
}

func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:    bus,
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			// Dashboard origins are not known ahead of time.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes to every defense event and begins serving clients.
func (h *Hub) Start() {
	h.ch = h.bus.Subscribe()
	go h.loop()
}

// Stop disconnects every client and stops the feed.
func (h *Hub) Stop() {
	if !h.stopped.CompareAndSwap(false, true) {
		return
	}
	h.bus.Unsubscribe(h.ch)
	close(h.quit)
	<-h.done
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.clients[conn] = true
			h.connected.Store(int64(len(h.clients)))
			h.logger.Printf("client connected (total: %d)", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				h.connected.Store(int64(len(h.clients)))
				h.logger.Printf("client disconnected (total: %d)", len(h.clients))
			}

		case ev, ok := <-h.ch:
			if !ok {
				h.ch = nil
				continue
			}
			h.broadcast(ev)

		case <-h.quit:
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = nil
			h.connected.Store(0)
			return
		}
	}
}

// broadcast writes the event to every client, dropping those that fail.
// Only the run loop calls this, so writes to a connection never overlap.
func (h *Hub) broadcast(ev *events.Event) {
	data, err := ev.JSON()
	if err != nil {
		h.logger.Printf("marshal event %s: %v", ev.Type, err)
		return
	}
	h.broadcasts.Add(1)
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.writeErrors.Add(1)
			h.logger.Printf("write error, dropping client: %v", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
	h.connected.Store(int64(len(h.clients)))
}

// HandleWebSocket upgrades the request and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.stopped.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade error: %v", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.quit:
		conn.Close()
		return
	}

	// Clients only listen; the read pump exists to notice the close.
	go func() {
		conn.SetReadLimit(maxInboundSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case h.unregister <- conn:
		case <-h.quit:
		}
	}()
}

// Stats reports feed counters.
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"clients":      h.connected.Load(),
		"broadcasts":   h.broadcasts.Load(),
		"write_errors": h.writeErrors.Load(),
	}
}
