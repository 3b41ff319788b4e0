package webrtc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noFrames struct{}

func (noFrames) Subscribe(int) (<-chan []byte, func()) {
	return make(chan []byte), func() {}
}

func TestChunk(t *testing.T) {
	frame := bytes.Repeat([]byte{0xAB}, 40)

	chunks := Chunk(frame, 16)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 16)
	assert.Len(t, chunks[2], 8)
	assert.Equal(t, frame, bytes.Join(chunks, nil))

	assert.Len(t, Chunk(frame, 40), 1)
	assert.Empty(t, Chunk(nil, 16))
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(Config{}, noFrames{})
	_, err := s.HandleOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	assert.Error(t, err)
	assert.Zero(t, s.ClientCount())
}

func TestHandleOfferAnswersDataChannelOffer(t *testing.T) {
	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer browser.Close()

	_, err = browser.CreateDataChannel(VideoLabel, nil)
	require.NoError(t, err)
	offer, err := browser.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, browser.SetLocalDescription(offer))

	s := NewServer(Config{STUNServers: []string{}, MaxClients: 1}, noFrames{})
	defer s.Close()

	answer, err := s.HandleOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "webrtc-datachannel")
	assert.Equal(t, 1, s.ClientCount())

	_, err = s.HandleOffer(context.Background(), offer)
	assert.ErrorIs(t, err, ErrTooManyClients)

	require.NoError(t, s.Close())
	assert.Zero(t, s.ClientCount())
}

func newOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { browser.Close() })

	_, err = browser.CreateDataChannel(VideoLabel, nil)
	require.NoError(t, err)
	offer, err := browser.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, browser.SetLocalDescription(offer))
	return offer
}

func TestFailedNegotiationFreesSlot(t *testing.T) {
	s := NewServer(Config{STUNServers: []string{}, MaxClients: 1}, noFrames{})
	defer s.Close()

	_, err := s.HandleOffer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	require.Error(t, err)
	assert.Zero(t, s.ClientCount())

	_, err = s.HandleOffer(context.Background(), newOffer(t))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ClientCount())
}

func TestClosedPeerConnectionIsRemoved(t *testing.T) {
	s := NewServer(Config{STUNServers: []string{}, MaxClients: 1}, noFrames{})
	defer s.Close()

	_, err := s.HandleOffer(context.Background(), newOffer(t))
	require.NoError(t, err)

	s.clientsMu.RLock()
	var peers []*webrtc.PeerConnection
	for _, c := range s.clients {
		peers = append(peers, c.peerConn)
	}
	s.clientsMu.RUnlock()
	require.Len(t, peers, 1)

	require.NoError(t, peers[0].Close())
	assert.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.HandleOffer(context.Background(), newOffer(t))
	assert.NoError(t, err, "slot is free again")
}
