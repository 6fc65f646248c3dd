package bus

import (
	"context"
	"log/slog"
	"sync"

	"wagate/internal/domain"
	"wagate/internal/metrics"
)

// InboundQueue decouples protocol event loops from inbound message side
// effects. Publish never waits on the consumer.
type InboundQueue struct {
	inbound chan domain.InboundMessage
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// NewInboundQueue creates a queue with the given buffer size.
func NewInboundQueue(bufferSize int, logger *slog.Logger) *InboundQueue {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &InboundQueue{
		inbound: make(chan domain.InboundMessage, bufferSize),
		logger:  logger,
	}
}

// Publish enqueues msg and reports whether it was accepted. A full or
// closed queue drops the message.
func (q *InboundQueue) Publish(msg domain.InboundMessage) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed inbound queue")
		return false
	}

	select {
	case q.inbound <- msg:
		return true
	default:
		metrics.InboundDropped.Inc()
		q.logger.Error("inbound message dropped: queue full",
			"instance", msg.InstanceID,
			"from", msg.Phone,
			"capacity", cap(q.inbound),
		)
		return false
	}
}

func (q *InboundQueue) Subscribe() <-chan domain.InboundMessage {
	return q.inbound
}

// Consume runs workers goroutines that pass each message to fn until the
// queue is closed or ctx is cancelled. It returns when all workers exit.
func (q *InboundQueue) Consume(ctx context.Context, workers int, fn func(context.Context, domain.InboundMessage)) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-q.inbound:
					if !ok {
						return
					}
					fn(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *InboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.inbound)
	}
}
