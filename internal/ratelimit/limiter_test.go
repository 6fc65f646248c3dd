package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInMemory_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewInMemory(time.Minute)
	l.now = func() time.Time { return now }

	tests := []struct {
		allowed   bool
		count     int
		remaining int
	}{
		{true, 1, 1},
		{true, 2, 0},
		{false, 3, 0},
	}
	for i, tt := range tests {
		d := l.Allow(ctx, "token:1", 2)
		if d.Allowed != tt.allowed || d.Count != tt.count || d.Remaining != tt.remaining {
			t.Fatalf("call %d: got %+v", i+1, d)
		}
	}

	if d := l.Allow(ctx, "token:2", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("keys must be independent, got %+v", d)
	}

	now = now.Add(61 * time.Second)
	if d := l.Allow(ctx, "token:1", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
}

func TestInMemory_LimitFloor(t *testing.T) {
	d := NewInMemory(0).Allow(context.Background(), "k", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("got %+v", d)
	}
}

func TestRedis_SharedWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	a := NewRedis(client, time.Second, testLogger())
	b := NewRedis(client, time.Second, testLogger())

	if d := a.Allow(ctx, "token:7", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("first: %+v", d)
	}
	if d := b.Allow(ctx, "token:7", 2); !d.Allowed || d.Count != 2 {
		t.Fatalf("second from another process: %+v", d)
	}
	if d := a.Allow(ctx, "token:7", 2); d.Allowed || d.Count != 3 {
		t.Fatalf("third: %+v", d)
	}
	if !mr.Exists("wagate:rl:token:7") {
		t.Error("expected prefixed key in redis")
	}

	mr.FastForward(1100 * time.Millisecond)
	if d := a.Allow(ctx, "token:7", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
}

func TestRedis_OutageFallsBackToLocal(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	l := NewRedis(client, time.Minute, testLogger())
	ctx := context.Background()
	if d := l.Allow(ctx, "token:1", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected local allow on outage, got %+v", d)
	}
	if d := l.Allow(ctx, "token:1", 1); d.Allowed {
		t.Fatalf("expected local limit enforced, got %+v", d)
	}
}

func TestRedis_NoClientNoFallbackAllows(t *testing.T) {
	l := &Redis{Window: time.Second, Logger: testLogger()}
	d := l.Allow(context.Background(), "k", 3)
	if !d.Allowed || d.Count != 0 || d.Remaining != 3 {
		t.Fatalf("got %+v", d)
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	l, closeFn := New(Options{Window: time.Minute})
	if _, ok := l.(*InMemory); !ok {
		t.Errorf("expected in-memory limiter, got %T", l)
	}
	closeFn()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	l, closeFn = New(Options{RedisAddr: mr.Addr(), Window: time.Minute, Logger: testLogger()})
	defer closeFn()
	if _, ok := l.(*Redis); !ok {
		t.Errorf("expected redis limiter, got %T", l)
	}
}
