package alerts

import (
	"context"
	"log"
	"sync"
	"time"
)

// Broadcaster fans a record out to live listeners without blocking.
type Broadcaster interface {
	Broadcast(rec Record)
}

// Notifier is an outbound channel such as a chat bot or a message broker.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, rec Record) error
}

// Store persists records for later listing.
type Store interface {
	SaveAlert(rec Record) error
}

// Dispatcher hands a fired record to every consumer. History is appended
// synchronously; everything else runs on its own goroutine so a slow
// consumer never reaches the frame loop.
type Dispatcher struct {
	history     *History
	broadcaster Broadcaster
	store       Store
	notifiers   []Notifier
	timeout     time.Duration
	onFailure   func(consumer string)
	wg          sync.WaitGroup
}

// DispatcherConfig wires consumers. Nil members are skipped.
type DispatcherConfig struct {
	History     *History
	Broadcaster Broadcaster
	Store       Store
	Notifiers   []Notifier
	// NotifyTimeout bounds each notifier call, default 10s.
	NotifyTimeout time.Duration
	// OnFailure is called with the consumer name after a failed delivery.
	OnFailure func(consumer string)
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Dispatcher{
		history:     cfg.History,
		broadcaster: cfg.Broadcaster,
		store:       cfg.Store,
		notifiers:   cfg.Notifiers,
		timeout:     cfg.NotifyTimeout,
		onFailure:   cfg.OnFailure,
	}
}

// History returns the log records are appended to.
func (d *Dispatcher) History() *History {
	return d.history
}

// Dispatch delivers rec. It returns before any network I/O happens.
func (d *Dispatcher) Dispatch(rec Record) {
	if d.history != nil {
		d.history.Record(rec.Message)
	}
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(rec)
	}
	if d.store == nil && len(d.notifiers) == 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if d.store != nil {
			if err := d.store.SaveAlert(rec); err != nil {
				log.Printf("[Alerts] Failed to persist alert %s: %v", rec.ID, err)
				d.failed("store")
			}
		}
		for _, n := range d.notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := n.Notify(ctx, rec); err != nil {
				log.Printf("[Alerts] %s delivery failed: %v", n.Name(), err)
				d.failed(n.Name())
			}
			cancel()
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) failed(consumer string) {
	if d.onFailure != nil {
		d.onFailure(consumer)
	}
}
