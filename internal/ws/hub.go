package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sitesafe/internal/alerts"
)

const writeWait = 10 * time.Second

// Listener is one subscriber of the alert fan-out.
type Listener interface {
	Send(data []byte) error
	Close() error
}

// Hub keeps the alert listener registry and delivers to every listener
// concurrently. A listener whose delivery fails is removed and closed.
type Hub struct {
	listeners map[Listener]struct{}
	mu        sync.RWMutex
	wg        sync.WaitGroup
	onPrune   func()
}

// NewHub creates an empty hub. onPrune, if set, runs once per pruned listener.
func NewHub(onPrune func()) *Hub {
	return &Hub{
		listeners: make(map[Listener]struct{}),
		onPrune:   onPrune,
	}
}

// Register adds a listener.
func (h *Hub) Register(l Listener) {
	h.mu.Lock()
	h.listeners[l] = struct{}{}
	n := len(h.listeners)
	h.mu.Unlock()
	log.Printf("[WS] Alert listener registered (total: %d)", n)
}

// Unregister removes a listener without closing it.
func (h *Hub) Unregister(l Listener) {
	h.remove(l)
}

func (h *Hub) remove(l Listener) bool {
	h.mu.Lock()
	_, ok := h.listeners[l]
	delete(h.listeners, l)
	n := len(h.listeners)
	h.mu.Unlock()
	if ok {
		log.Printf("[WS] Alert listener unregistered (total: %d)", n)
	}
	return ok
}

// Count returns the number of registered listeners.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Broadcast implements alerts.Broadcaster. It returns immediately; delivery
// runs on its own goroutine.
func (h *Hub) Broadcast(rec alerts.Record) {
	data, err := json.Marshal(NewAlertMessage(rec))
	if err != nil {
		log.Printf("[WS] Error marshaling alert: %v", err)
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Deliver(data)
	}()
}

// Deliver sends data to a snapshot of the registry and waits for every send.
// It returns the number of successful deliveries.
func (h *Hub) Deliver(data []byte) int {
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.listeners))
	for l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, l := range targets {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			if err := l.Send(data); err != nil {
				log.Printf("[WS] Error sending to listener: %v", err)
				h.prune(l)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(l)
	}
	wg.Wait()
	return delivered
}

// Wait blocks until every pending Broadcast has finished.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// CloseAll closes and forgets every listener.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	ls := h.listeners
	h.listeners = make(map[Listener]struct{})
	h.mu.Unlock()
	for l := range ls {
		l.Close()
	}
}

func (h *Hub) prune(l Listener) {
	if !h.remove(l) {
		return
	}
	l.Close()
	if h.onPrune != nil {
		h.onPrune()
	}
}

// conn serialises writes on a websocket; gorilla allows one writer at a time.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// Send implements Listener with a text frame.
func (c *conn) Send(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *conn) Close() error {
	return c.ws.Close()
}
