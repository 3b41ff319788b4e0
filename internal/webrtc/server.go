// Package webrtc pushes annotated JPEG frames to browsers over a WebRTC
// data channel.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

const (
	// VideoLabel is the data channel label clients must open.
	VideoLabel = "video"
	// FrameTerminator ends each chunked frame.
	FrameTerminator = "EOF"

	defaultChunkSize   = 16 * 1024
	maxBufferedAmount  = 1 << 20
	defaultMaxClients  = 8
	gatherTimeout      = 10 * time.Second
	frameSubscribeSize = 2
)

var ErrTooManyClients = errors.New("maximum clients reached")

// FrameSubscriber hands out encoded frame feeds.
type FrameSubscriber interface {
	Subscribe(buffer int) (<-chan []byte, func())
}

// Config sets up ICE and fan-out limits. A nil STUNServers list uses a
// public STUN server; an empty one disables STUN.
type Config struct {
	STUNServers []string `yaml:"stun_servers" env:"WEBRTC_STUN_SERVERS" envSeparator:","`
	MaxClients  int      `yaml:"max_clients" env:"WEBRTC_MAX_CLIENTS"`
	ChunkSize   int      `yaml:"chunk_size" env:"WEBRTC_CHUNK_SIZE"`
}

type client struct {
	id            string
	peerConn      *webrtc.PeerConnection
	closeChan     chan struct{}
	closeOnce     sync.Once
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.closeChan) })
}

// Server negotiates peer connections and streams frames to each client's
// "video" data channel. Every frame is sent as binary chunks followed by a
// text "EOF" message.
type Server struct {
	api        *webrtc.API
	config     webrtc.Configuration
	frames     FrameSubscriber
	maxClients int
	chunkSize  int

	clients   map[string]*client
	clientsMu sync.RWMutex
}

// NewServer creates a server fed by frames.
func NewServer(cfg Config, frames FrameSubscriber) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if cfg.STUNServers == nil {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config:     webrtc.Configuration{ICEServers: iceServers},
		frames:     frames,
		maxClients: cfg.MaxClients,
		chunkSize:  cfg.ChunkSize,
		clients:    make(map[string]*client),
	}
}

// HandleOffer answers a browser offer. The answer carries all gathered ICE
// candidates so no trickle signalling is needed.
func (s *Server) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	// Registered before any state callback can fire, so a failure during
	// negotiation always frees the slot.
	if !s.register(c) {
		peerConn.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			log.Printf("[WebRTC] Client %s connection lost (%s), removing", c.id, state)
			s.RemoveClient(c.id)
		}
	})

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != VideoLabel {
			log.Printf("[WebRTC] Client %s opened unexpected channel %q", c.id, dc.Label())
			return
		}
		dc.OnOpen(func() { go s.sendFrames(c, dc) })
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		s.RemoveClient(c.id)
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		s.RemoveClient(c.id)
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		s.RemoveClient(c.id)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		s.RemoveClient(c.id)
		return nil, fmt.Errorf("ICE gathering timed out")
	case <-ctx.Done():
		s.RemoveClient(c.id)
		return nil, ctx.Err()
	}

	log.Printf("[WebRTC] Client %s connected", c.id)
	return peerConn.LocalDescription(), nil
}

func (s *Server) sendFrames(c *client, dc *webrtc.DataChannel) {
	frames, unsubscribe := s.frames.Subscribe(frameSubscribeSize)
	defer unsubscribe()

	for {
		select {
		case <-c.closeChan:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if dc.BufferedAmount() > maxBufferedAmount {
				c.framesDropped.Add(1)
				continue
			}
			if err := s.sendFrame(dc, frame); err != nil {
				log.Printf("[WebRTC] Error sending frame to client %s: %v", c.id, err)
				return
			}
			c.framesSent.Add(1)
		}
	}
}

func (s *Server) sendFrame(dc *webrtc.DataChannel, frame []byte) error {
	for _, chunk := range Chunk(frame, s.chunkSize) {
		if err := dc.Send(chunk); err != nil {
			return err
		}
	}
	return dc.SendText(FrameTerminator)
}

// Chunk splits frame into pieces of at most size bytes.
func Chunk(frame []byte, size int) [][]byte {
	if size <= 0 {
		size = defaultChunkSize
	}
	chunks := make([][]byte, 0, (len(frame)+size-1)/size)
	for len(frame) > size {
		chunks = append(chunks, frame[:size])
		frame = frame[size:]
	}
	if len(frame) > 0 {
		chunks = append(chunks, frame)
	}
	return chunks
}

func (s *Server) register(c *client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients) >= s.maxClients {
		return false
	}
	s.clients[c.id] = c
	return true
}

// RemoveClient closes and forgets a client.
func (s *Server) RemoveClient(id string) {
	s.clientsMu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	s.clientsMu.Unlock()
	if !ok {
		return
	}

	c.close()
	c.peerConn.Close()
	log.Printf("[WebRTC] Client %s disconnected (sent: %d, dropped: %d)",
		id, c.framesSent.Load(), c.framesDropped.Load())
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
