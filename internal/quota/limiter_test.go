package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAllowFixedWindow(t *testing.T) {
	l := NewLimiter(NewMemoryCounter())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, KeyIdentity(1), 2, 0, time.Minute, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}

	d, err := l.Allow(ctx, KeyIdentity(1), 2, 0, time.Minute, base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("third request in window should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want (0, 60s]", d.RetryAfter)
	}
	if d.RetryAfter != 48*time.Second {
		t.Errorf("RetryAfter = %v, want 48s", d.RetryAfter)
	}

	// Other identities have their own window.
	if d, _ := l.Allow(ctx, KeyIdentity(2), 2, 0, time.Minute, base); !d.Allowed {
		t.Error("other key rejected")
	}

	// Next window admits again.
	if d, _ := l.Allow(ctx, KeyIdentity(1), 2, 0, time.Minute, base.Add(time.Minute)); !d.Allowed {
		t.Error("next window rejected")
	}
}

func TestAllowRetryAfterBounds(t *testing.T) {
	l := NewLimiter(NewMemoryCounter())
	ctx := context.Background()
	end := time.Date(2026, 3, 1, 12, 0, 59, 900_000_000, time.UTC)

	l.Allow(ctx, "x", 1, 0, time.Minute, end)
	d, _ := l.Allow(ctx, "x", 1, 0, time.Minute, end)
	if d.Allowed {
		t.Fatal("expected rejection")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want clamped to 1s", d.RetryAfter)
	}
}

func TestAllowBurstAndUnlimited(t *testing.T) {
	l := NewLimiter(NewMemoryCounter())
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if d, _ := l.Allow(ctx, "b", 1, 2, time.Minute, now); !d.Allowed {
			t.Fatalf("request %d within burst rejected", i+1)
		}
	}
	if d, _ := l.Allow(ctx, "b", 1, 2, time.Minute, now); d.Allowed {
		t.Error("request beyond limit+burst admitted")
	}
	for i := 0; i < 100; i++ {
		if d, _ := l.Allow(ctx, "u", 0, 0, time.Minute, now); !d.Allowed {
			t.Fatal("limit 0 should be unlimited")
		}
	}
}

func TestMemoryCounterWindows(t *testing.T) {
	m := NewMemoryCounter()
	ctx := context.Background()
	w0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w1 := w0.Add(time.Minute)

	steps := []struct {
		name     string
		identity string
		start    time.Time
		window   time.Duration
		want     int64
	}{
		{"first", "a", w0, time.Minute, 1},
		{"same window", "a", w0, time.Minute, 2},
		{"other identity", "b", w0, time.Minute, 1},
		{"other window length", "a", w0, time.Hour, 1},
		{"next window", "a", w1, time.Minute, 1},
		{"late request counts in newer window", "a", w0, time.Minute, 2},
		{"newer window kept", "a", w1, time.Minute, 3},
	}
	for _, tt := range steps {
		got, err := m.Incr(ctx, tt.identity, tt.start, tt.window)
		if err != nil {
			t.Fatalf("%s: Incr: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: Incr = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rc := NewRedisCounterWithClient(client, "")
	ctx := context.Background()
	start := time.Unix(0, 0).Add(1000 * time.Minute)

	for want := int64(1); want <= 3; want++ {
		got, err := rc.Incr(ctx, "k", start, time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
	}
	if ttl := mr.TTL("sluice:rl:k:1000"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
	if got, _ := rc.Incr(ctx, "k", start.Add(time.Minute), time.Minute); got != 1 {
		t.Errorf("next window Incr = %d, want 1", got)
	}

	mr.FastForward(2 * time.Minute)
	if got, _ := rc.Incr(ctx, "k", start, time.Minute); got != 1 {
		t.Errorf("after expiry Incr = %d, want 1", got)
	}
}

func TestLimiterOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := NewRedisCounter(context.Background(), "redis://"+mr.Addr()+"/0", "test:")
	if err != nil {
		t.Fatalf("NewRedisCounter: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	l := NewLimiter(rc)
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if d, err := l.Allow(context.Background(), "k", 2, 0, time.Minute, now); err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v, %v", i+1, d, err)
		}
	}
	d, err := l.Allow(context.Background(), "k", 2, 0, time.Minute, now)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed || d.RetryAfter != 30*time.Second {
		t.Errorf("got %+v, want rejection with 30s retry", d)
	}
}
