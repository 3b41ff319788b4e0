package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // whole JPEG frames on /ws/video
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FrameSubscriber hands out a channel of encoded JPEG frames.
type FrameSubscriber interface {
	Subscribe(buffer int) (<-chan []byte, func())
}

// AlertHandler upgrades /ws/alerts requests and registers them with the hub.
type AlertHandler struct {
	hub       *Hub
	streaming func() bool
}

// NewAlertHandler creates the alert socket handler. streaming may be nil.
func NewAlertHandler(hub *Hub, streaming func() bool) *AlertHandler {
	return &AlertHandler{hub: hub, streaming: streaming}
}

// ServeHTTP handles the websocket upgrade.
func (h *AlertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	log.Printf("[WS] Alert client connected from %s", r.RemoteAddr)

	c := newConn(ws)
	status := StatusMessage{Type: "status", Listeners: h.hub.Count() + 1}
	if h.streaming != nil {
		status.Streaming = h.streaming()
	}
	if data, err := json.Marshal(status); err == nil {
		if err := c.Send(data); err != nil {
			ws.Close()
			return
		}
	}

	h.hub.Register(c)
	go readPump(c, func() { h.hub.Unregister(c) })
}

// VideoHandler streams annotated frames as binary websocket messages.
type VideoHandler struct {
	frames FrameSubscriber
}

// NewVideoHandler creates the /ws/video handler.
func NewVideoHandler(frames FrameSubscriber) *VideoHandler {
	return &VideoHandler{frames: frames}
}

// ServeHTTP upgrades and pumps frames until the client goes away.
func (h *VideoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}
	log.Printf("[WS] Video client connected from %s", r.RemoteAddr)

	c := newConn(ws)
	frames, unsubscribe := h.frames.Subscribe(2)
	done := make(chan struct{})
	go readPump(c, func() { close(done) })

	defer func() {
		unsubscribe()
		c.Close()
		log.Printf("[WS] Video client disconnected")
	}()

	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive and notices disconnection. Clients are
// not expected to send anything meaningful.
func readPump(c *conn, onClose func()) {
	defer func() {
		onClose()
		c.Close()
	}()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	stop := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(stop)
	}()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
	}
}
