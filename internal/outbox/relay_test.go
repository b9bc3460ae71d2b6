package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Simplici0/printflow/internal/tracing"
)

type fakeProducer struct {
	mu     sync.Mutex
	sent   []kafka.Message
	failOn map[string]bool
	// failTimes fails the next n writes for a key.
	failTimes map[string]int
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.failOn[string(m.Key)] {
			return errors.New("broker unavailable")
		}
		if p.failTimes[string(m.Key)] > 0 {
			p.failTimes[string(m.Key)]--
			return errors.New("leader not available")
		}
		p.sent = append(p.sent, m)
	}
	return nil
}

type failure struct {
	id         int64
	msg        string
	maxRetries int
}

type fakeStore struct {
	mu      sync.Mutex
	pending []Message
	sent    []int64
	failed  []failure
}

func (s *fakeStore) Pending(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > limit {
		return append([]Message(nil), s.pending[:limit]...), nil
	}
	return append([]Message(nil), s.pending...), nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	done := make(map[int64]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	kept := s.pending[:0]
	for _, m := range s.pending {
		if !done[m.ID] {
			kept = append(kept, m)
		}
	}
	s.pending = kept
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, msg string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, failure{id: id, msg: msg, maxRetries: maxRetries})
	return nil
}

func message(id int64, orderID string) Message {
	return Message{
		ID:            id,
		AggregateType: AggregateOrder,
		AggregateID:   orderID,
		Type:          TypeOrderStatusChanged,
		Payload:       []byte(`{"to_status":"PAID"}`),
		Traceparent:   "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		Status:        StatusPending,
	}
}

func TestDispatchSetsKeyAndHeaders(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := &fakeProducer{}
	d := NewDispatcher(log, p, "printflow.order-events")

	require.NoError(t, d.Dispatch(context.Background(), message(7, "order-1")))

	require.Len(t, p.sent, 1)
	got := p.sent[0]
	assert.Equal(t, "printflow.order-events", got.Topic)
	assert.Equal(t, "order-1", string(got.Key))
	assert.JSONEq(t, `{"to_status":"PAID"}`, string(got.Value))

	headers := map[string]string{}
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, TypeOrderStatusChanged, headers["event_type"])
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])
}

func TestDispatchOmitsEmptyTraceparent(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := &fakeProducer{}
	d := NewDispatcher(log, p, "events")

	m := message(1, "order-1")
	m.Traceparent = ""
	require.NoError(t, d.Dispatch(context.Background(), m))

	require.Len(t, p.sent, 1)
	require.Len(t, p.sent[0].Headers, 1)
	assert.Equal(t, "event_type", p.sent[0].Headers[0].Key)
}

func TestFlushMarksSentAndFailed(t *testing.T) {
	log, hook := test.NewNullLogger()
	p := &fakeProducer{failOn: map[string]bool{"order-bad": true}}
	store := &fakeStore{pending: []Message{
		message(1, "order-1"),
		message(2, "order-bad"),
		message(3, "order-2"),
	}}
	r := NewRelay(log, store, NewDispatcher(log, p, "events"))

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []int64{1, 3}, store.sent)
	require.Len(t, store.failed, 1)
	assert.Equal(t, int64(2), store.failed[0].id)
	assert.Contains(t, store.failed[0].msg, "broker unavailable")
	assert.Equal(t, 10, store.failed[0].maxRetries)
	assert.NotEmpty(t, hook.AllEntries())

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFlushHoldsBackLaterEventsOfAFailedOrder(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := &fakeProducer{failTimes: map[string]int{"order-1": 1}}
	paid := message(1, "order-1")
	slicing := message(2, "order-1")
	slicing.Payload = []byte(`{"to_status":"SLICING"}`)
	store := &fakeStore{pending: []Message{paid, slicing, message(3, "order-2")}}
	r := NewRelay(log, store, NewDispatcher(log, p, "events"))

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{3}, store.sent)
	require.Len(t, store.failed, 1)
	assert.Equal(t, int64(1), store.failed[0].id)
	require.Len(t, p.sent, 1)
	assert.Equal(t, "order-2", string(p.sent[0].Key))

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{3, 1, 2}, store.sent)

	require.Len(t, p.sent, 3)
	assert.JSONEq(t, `{"to_status":"PAID"}`, string(p.sent[1].Value))
	assert.JSONEq(t, `{"to_status":"SLICING"}`, string(p.sent[2].Value))
}

func TestDispatchLogsTraceOfOriginatingRequest(t *testing.T) {
	tracing.Init()
	log, hook := test.NewNullLogger()
	p := &fakeProducer{failOn: map[string]bool{"order-1": true}}
	d := NewDispatcher(log, p, "events")

	require.Error(t, d.Dispatch(context.Background(), message(1, "order-1")))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry.Data["trace_id"])
	assert.Equal(t, "order-1", entry.Data["order_id"])
}

func TestFlushWithNothingPending(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := &fakeProducer{}
	store := &fakeStore{}
	r := NewRelay(log, store, NewDispatcher(log, p, "events"))

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, p.sent)
}

func TestRunStopsOnCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	p := &fakeProducer{}
	store := &fakeStore{pending: []Message{message(1, "order-1")}}
	r := NewRelay(log, store, NewDispatcher(log, p, "events"))
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
