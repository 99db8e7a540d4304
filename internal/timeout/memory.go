package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryScheduler is an in-memory Scheduler for tests and local runs. FireDue
// hands back the orders whose deadline has passed, consuming their tokens.
type MemoryScheduler struct {
	mu      sync.Mutex
	pending map[string]entry // token -> entry
	fired   map[string]bool
}

type entry struct {
	orderID string
	fireAt  time.Time
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		pending: make(map[string]entry),
		fired:   make(map[string]bool),
	}
}

func (s *MemoryScheduler) Schedule(_ context.Context, orderID string, delay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.pending[token] = entry{orderID: orderID, fireAt: time.Now().Add(delay)}
	return token, nil
}

func (s *MemoryScheduler) Cancel(_ context.Context, token string) (CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[token]; ok {
		delete(s.pending, token)
		return Cancelled, nil
	}
	if s.fired[token] {
		return AlreadyFired, nil
	}
	return NotFound, nil
}

// FireDue consumes every token due at now and returns token -> order id.
func (s *MemoryScheduler) FireDue(now time.Time) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make(map[string]string)
	for token, e := range s.pending {
		if !e.fireAt.After(now) {
			due[token] = e.orderID
			delete(s.pending, token)
			s.fired[token] = true
		}
	}
	return due
}
