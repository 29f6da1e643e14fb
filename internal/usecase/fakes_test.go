package usecase_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-scheduler/internal/adapter/repo/bolt"
	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// newStore returns a real embedded store; the fallback backend doubles as
// the test store since both backends share one contract.
func newStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type enqueued struct {
	payload domain.DispatchPayload
	delay   time.Duration
}

// fakeQueue records enqueues and acks; the dispatcher tests drive Handle
// directly instead of running consume loops.
type fakeQueue struct {
	mu       sync.Mutex
	seq      int
	enqueued []enqueued
	acked    []string
	failNext bool
}

func (q *fakeQueue) Enqueue(_ domain.Context, p domain.DispatchPayload) (string, error) {
	return q.add(p, 0)
}

func (q *fakeQueue) EnqueueAfter(_ domain.Context, p domain.DispatchPayload, delay time.Duration) error {
	_, err := q.add(p, delay)
	return err
}

func (q *fakeQueue) add(p domain.DispatchPayload, delay time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		q.failNext = false
		return "", domain.ErrQueueUnavailable
	}
	q.seq++
	q.enqueued = append(q.enqueued, enqueued{payload: p, delay: delay})
	return fmt.Sprintf("%d-0", q.seq), nil
}

func (q *fakeQueue) Consume(domain.Context, string, int, time.Duration) ([]domain.QueueMessage, error) {
	return nil, nil
}

func (q *fakeQueue) Ack(_ domain.Context, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, entryID)
	return nil
}

func (q *fakeQueue) ClaimStale(domain.Context, string, time.Duration, int) ([]domain.QueueMessage, error) {
	return nil, nil
}

func (q *fakeQueue) pending() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.enqueued...)
}

func (q *fakeQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

// fakeBus records published events in order.
type fakeBus struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (b *fakeBus) Publish(_ domain.Context, ev domain.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *fakeBus) Subscribe(domain.Context, string) (<-chan domain.ProgressEvent, func(), error) {
	ch := make(chan domain.ProgressEvent)
	close(ch)
	return ch, func() {}, nil
}

func (b *fakeBus) byStatus(st domain.Status) []domain.ProgressEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ProgressEvent
	for _, ev := range b.events {
		if ev.Status == st {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedModel returns canned responses or errors in order, then repeats
// the last entry.
type scriptedModel struct {
	mu    sync.Mutex
	steps []func() (domain.ModelResponse, error)
	calls int
}

func (m *scriptedModel) Complete(_ domain.Context, _ domain.ModelRequest) (domain.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.steps) {
		i = len(m.steps) - 1
	}
	return m.steps[i]()
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func modelOK(output string, cost float64) func() (domain.ModelResponse, error) {
	return func() (domain.ModelResponse, error) {
		return domain.ModelResponse{
			Output: output, Model: "test/model", Provider: "test",
			PromptTokens: 100, CompletionTokens: 50, CostUSD: cost, LatencyMS: 5,
		}, nil
	}
}

func modelErr(err error) func() (domain.ModelResponse, error) {
	return func() (domain.ModelResponse, error) { return domain.ModelResponse{}, err }
}

// allowAll / denyAll rate limiters.
type fakeLimiter struct{ allowed bool }

func (l fakeLimiter) Allow(domain.Context, string) (bool, time.Duration, error) {
	if l.allowed {
		return true, 0, nil
	}
	return false, 30 * time.Second, nil
}

// passValidator approves everything; used where QA is not under test.
type passValidator struct{}

func (passValidator) Validate(domain.Context, string, string, string) domain.QAVerdict {
	return domain.QAVerdict{Passed: true}
}
