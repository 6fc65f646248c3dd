// Package events forwards gateway events from the in-process bus to an
// external message broker.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/bus"
)

// Broker delivers one serialized event under a routing key.
type Broker interface {
	Publish(ctx context.Context, key, id string, body []byte) error
	Close() error
}

const publishTimeout = 5 * time.Second

type ForwarderConfig struct {
	Broker     Broker
	Bus        *bus.EventBus
	BufferSize int
	Logger     *slog.Logger
}

// Forwarder subscribes to every bus event and publishes it from its own
// goroutine, so bus emitters never wait on the broker. Events arriving
// while the buffer is full are dropped.
type Forwarder struct {
	broker    Broker
	bus       *bus.EventBus
	handlerID string
	queue     chan bus.Event
	logger    *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewForwarder subscribes to the bus and starts the publish loop.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Forwarder{
		broker: cfg.Broker,
		bus:    cfg.Bus,
		queue:  make(chan bus.Event, cfg.BufferSize),
		logger: cfg.Logger,
	}
	f.handlerID = cfg.Bus.On(bus.Wildcard, f.enqueue)
	f.wg.Add(1)
	go f.loop()
	return f
}

func (f *Forwarder) enqueue(e bus.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- e:
	default:
		f.logger.Warn("event forward buffer full, dropping", "type", e.Type, "id", e.ID)
	}
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for e := range f.queue {
		body, err := json.Marshal(e)
		if err != nil {
			f.logger.Error("event marshal failed", "type", e.Type, "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = f.broker.Publish(ctx, e.Type, e.ID, body)
		cancel()
		if err != nil {
			f.logger.Warn("event publish failed", "type", e.Type, "id", e.ID, "err", err)
			continue
		}
		f.logger.Debug("event published", "type", e.Type, "id", e.ID)
	}
}

// Close unsubscribes, drains what is buffered and closes the broker.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.bus.Off(bus.Wildcard, f.handlerID)
		f.mu.Lock()
		f.closed = true
		close(f.queue)
		f.mu.Unlock()
		f.wg.Wait()
		err = f.broker.Close()
	})
	return err
}
