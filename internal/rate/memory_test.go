package rate

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryWindow(t *testing.T) {
	l := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "k", 2, time.Minute); !ok {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "k", 2, time.Minute); ok {
		t.Fatalf("third hit should be limited")
	}
	if ok, _ := l.Allow(ctx, "other", 2, time.Minute); !ok {
		t.Fatalf("keys must be independent")
	}
	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, "k", 2, time.Minute); !ok {
		t.Fatalf("new window should reset the count")
	}
}

func TestRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	if _, err := NewRedis(client, "signdesk").Allow(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
}
