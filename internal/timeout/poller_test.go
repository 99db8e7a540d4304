package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shoporbit/fulfillment/internal/contract"
)

type fakeQueue struct {
	due     []string
	orders  map[string]string
	claimed map[string]bool
	fired   map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		orders:  make(map[string]string),
		claimed: make(map[string]bool),
		fired:   make(map[string]bool),
	}
}

func (q *fakeQueue) add(token, orderID string) {
	q.due = append(q.due, token)
	q.orders[token] = orderID
}

func (q *fakeQueue) Due(context.Context) ([]string, error) {
	var out []string
	for _, t := range q.due {
		if !q.claimed[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (q *fakeQueue) OrderOf(_ context.Context, token string) (string, bool, error) {
	o, ok := q.orders[token]
	return o, ok, nil
}

func (q *fakeQueue) Claim(_ context.Context, token string) (bool, error) {
	if q.claimed[token] {
		return false, nil
	}
	q.claimed[token] = true
	return true, nil
}

func (q *fakeQueue) MarkFired(_ context.Context, token string) error {
	q.fired[token] = true
	delete(q.orders, token)
	return nil
}

type flakyWriter struct {
	failures int
	topics   []string
	keys     []string
}

func (w *flakyWriter) Write(_ context.Context, topic string, key, _ []byte) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.topics = append(w.topics, topic)
	w.keys = append(w.keys, string(key))
	return nil
}

func TestFireDuePublishesThenClaims(t *testing.T) {
	q := newFakeQueue()
	q.add("tok-1", "o-1")
	w := &flakyWriter{}
	p := NewPoller(q, w, "order-service", time.Second, zap.NewNop())

	require.NoError(t, p.fireDue(context.Background()))

	assert.Equal(t, []string{contract.TopicOrderTimeout}, w.topics)
	assert.Equal(t, []string{"o-1"}, w.keys)
	assert.True(t, q.claimed["tok-1"])
	assert.True(t, q.fired["tok-1"])
}

// A failed publish must leave the token queued so the next tick retries;
// claiming first would lose the timeout and strand the order in Pending.
func TestFireDueKeepsTokenWhenPublishFails(t *testing.T) {
	q := newFakeQueue()
	q.add("tok-1", "o-1")
	w := &flakyWriter{failures: 1}
	p := NewPoller(q, w, "order-service", time.Second, zap.NewNop())

	require.Error(t, p.fireDue(context.Background()))
	assert.False(t, q.claimed["tok-1"])
	assert.False(t, q.fired["tok-1"])
	assert.Empty(t, w.topics)

	require.NoError(t, p.fireDue(context.Background()))
	assert.Equal(t, []string{contract.TopicOrderTimeout}, w.topics)
	assert.True(t, q.claimed["tok-1"])
	assert.True(t, q.fired["tok-1"])
}

type contestedQueue struct{ *fakeQueue }

func (q contestedQueue) Claim(context.Context, string) (bool, error) { return false, nil }

// Losing the claim after the publish means a cancel or another poller got
// there first; the duplicate event is absorbed by the order status guard.
func TestFireDueToleratesLostClaim(t *testing.T) {
	q := newFakeQueue()
	q.add("tok-1", "o-1")
	w := &flakyWriter{}
	p := NewPoller(contestedQueue{q}, w, "order-service", time.Second, zap.NewNop())

	require.NoError(t, p.fireDue(context.Background()))
	assert.Len(t, w.topics, 1)
	assert.False(t, q.fired["tok-1"])
}

func TestFireDueDropsOrphanTokens(t *testing.T) {
	q := newFakeQueue()
	q.due = append(q.due, "tok-ghost")
	w := &flakyWriter{}
	p := NewPoller(q, w, "order-service", time.Second, zap.NewNop())

	require.NoError(t, p.fireDue(context.Background()))
	assert.Empty(t, w.topics)
	assert.True(t, q.claimed["tok-ghost"])
}
