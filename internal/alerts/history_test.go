package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryDrain(t *testing.T) {
	clock := newFakeClock()
	h := NewHistory()
	h.now = clock.Now

	h.Record("Violation detected: NO-Mask")
	clock.Advance(time.Second)
	h.Record("Zone violation: Person entered 'Dock'")

	assert.Equal(t, 2, h.Len())
	entries := h.Drain()
	assert.Equal(t, []string{
		"[2024-05-01 08:00:00] Violation detected: NO-Mask",
		"[2024-05-01 08:00:01] Zone violation: Person entered 'Dock'",
	}, entries)
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Drain())
}

func TestBuildReport(t *testing.T) {
	at := time.Now()

	r := BuildReport(nil, at)
	assert.Equal(t, EmptyReport, r.Text)
	assert.Equal(t, 0, r.Count)

	r = BuildReport([]string{"a", "b"}, at)
	assert.Equal(t, "a\nb", r.Text)
	assert.Equal(t, 2, r.Count)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	recs []Record
}

func (b *recordingBroadcaster) Broadcast(rec Record) {
	b.mu.Lock()
	b.recs = append(b.recs, rec)
	b.mu.Unlock()
}

type stubNotifier struct {
	name string
	err  error
	mu   sync.Mutex
	got  []Record
}

func (n *stubNotifier) Name() string { return n.name }

func (n *stubNotifier) Notify(ctx context.Context, rec Record) error {
	n.mu.Lock()
	n.got = append(n.got, rec)
	n.mu.Unlock()
	return n.err
}

type memStore struct {
	mu   sync.Mutex
	recs []Record
}

func (s *memStore) SaveAlert(rec Record) error {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

func TestDispatcherDeliversToEveryConsumer(t *testing.T) {
	b := &recordingBroadcaster{}
	broken := &stubNotifier{name: "broken", err: errors.New("down")}
	ok := &stubNotifier{name: "ok"}
	store := &memStore{}

	var mu sync.Mutex
	var failures []string
	d := NewDispatcher(DispatcherConfig{
		History:     NewHistory(),
		Broadcaster: b,
		Store:       store,
		Notifiers:   []Notifier{broken, ok},
		OnFailure: func(c string) {
			mu.Lock()
			failures = append(failures, c)
			mu.Unlock()
		},
	})

	rec := NewManager(0).Trigger("Violation detected: NO-Hardhat")
	d.Dispatch(rec)
	d.Wait()

	assert.Equal(t, 1, d.History().Len())
	require.Len(t, b.recs, 1)
	assert.Equal(t, rec, b.recs[0])
	assert.Len(t, store.recs, 1)
	assert.Len(t, broken.got, 1)
	assert.Len(t, ok.got, 1, "a failing notifier must not stop the next one")
	assert.Equal(t, []string{"broken"}, failures)
}
