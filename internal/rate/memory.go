package rate

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	count int
	start time.Time
}

// Memory is a process-local Limiter.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]bucket
	lastGC  time.Time
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]bucket{}, lastGC: time.Now().UTC(), now: func() time.Time { return time.Now().UTC() }}
}

func (l *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.start) > 3*window {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= window {
		l.buckets[key] = bucket{count: 1, start: now}
		return true, nil
	}
	if b.count >= limit {
		return false, nil
	}
	b.count++
	l.buckets[key] = b
	return true, nil
}
