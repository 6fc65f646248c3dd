package outbound

import (
	"context"
	"sync"
	"time"
)

// bucket is a token bucket; Wait blocks until a token is available.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newBucket(maxBurst int, ratePerMinute float64) *bucket {
	if maxBurst <= 0 {
		maxBurst = 1
	}
	return &bucket{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (b *bucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastTime).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.max {
			b.tokens = b.max
		}
		b.lastTime = now

		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			b.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - b.tokens) / b.rate
		b.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pacer spaces out sends per instance so one account does not burst.
// A zero rate disables pacing.
type Pacer struct {
	ratePerMinute float64
	burst         int

	mu      sync.Mutex
	buckets map[int64]*bucket
}

// NewPacer allows ratePerMinute sends per instance with the given burst.
func NewPacer(ratePerMinute float64, burst int) *Pacer {
	if burst <= 0 {
		burst = 5
	}
	return &Pacer{
		ratePerMinute: ratePerMinute,
		burst:         burst,
		buckets:       make(map[int64]*bucket),
	}
}

// Wait blocks until instanceID may send or ctx is done.
func (p *Pacer) Wait(ctx context.Context, instanceID int64) error {
	if p == nil || p.ratePerMinute <= 0 {
		return nil
	}
	p.mu.Lock()
	b, ok := p.buckets[instanceID]
	if !ok {
		b = newBucket(p.burst, p.ratePerMinute)
		p.buckets[instanceID] = b
	}
	p.mu.Unlock()
	return b.Wait(ctx)
}

// Forget drops the bucket of a deleted instance.
func (p *Pacer) Forget(instanceID int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.buckets, instanceID)
	p.mu.Unlock()
}
