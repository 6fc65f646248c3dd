package outbound

import (
	"context"
	"testing"
	"time"
)

func TestBucket_ImmediateBurst(t *testing.T) {
	b := newBucket(5, 60.0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("burst token %d failed: %v", i, err)
		}
	}
}

func TestBucket_WaitsAfterBurst(t *testing.T) {
	b := newBucket(1, 600.0) // 10/sec refill

	ctx := context.Background()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestBucket_CancelledContext(t *testing.T) {
	b := newBucket(1, 1.0)

	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := b.Wait(ctx); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestPacer_PerInstanceBuckets(t *testing.T) {
	p := NewPacer(1.0, 1) // one per minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.Wait(ctx, 1); err != nil {
		t.Fatalf("instance 1 first send: %v", err)
	}
	if err := p.Wait(ctx, 2); err != nil {
		t.Fatalf("instance 2 has its own bucket: %v", err)
	}
	if err := p.Wait(ctx, 1); err == nil {
		t.Fatal("instance 1 should be throttled")
	}

	p.Forget(1)
	if err := p.Wait(context.Background(), 1); err != nil {
		t.Fatalf("forgotten instance starts with a full bucket: %v", err)
	}
}

func TestPacer_Disabled(t *testing.T) {
	p := NewPacer(0, 1)
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	var nilPacer *Pacer
	if err := nilPacer.Wait(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
}
