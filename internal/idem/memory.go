package idem

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is an in-memory Guard for tests and local runs.
type MemoryGuard struct {
	mu      sync.Mutex
	markers map[string]time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{markers: make(map[string]time.Time)}
}

func (g *MemoryGuard) MarkIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if exp, ok := g.markers[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	g.markers[key] = time.Now().Add(ttl)
	return true, nil
}
