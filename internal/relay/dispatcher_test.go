package relay

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabiobufalari/construction-hub-integrations/internal/broker"
	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
)

// stubAdapter answers publishes from a scripted error list; past the
// end of the script every publish acks.
type stubAdapter struct {
	transport broker.Transport

	mu     sync.Mutex
	script []error
	calls  []broker.Message
}

func (a *stubAdapter) Transport() broker.Transport { return a.transport }

func (a *stubAdapter) Capabilities() broker.Capabilities {
	return broker.Capabilities{MaxPayloadBytes: 1 << 20, Ordering: broker.OrderingPerKey}
}

func (a *stubAdapter) Publish(_ context.Context, msg broker.Message) (broker.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, msg)
	if len(a.script) > 0 {
		err := a.script[0]
		a.script = a.script[1:]
		if err != nil {
			return broker.Receipt{}, err
		}
	}
	return broker.Receipt{Ref: "stub-ref"}, nil
}

func (a *stubAdapter) Ready(context.Context) error { return nil }
func (a *stubAdapter) Close() error                { return nil }

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newTestDispatcher(t *testing.T, store outbox.Store, adapter *stubAdapter, cfg Config) *Dispatcher {
	t.Helper()
	routes, err := broker.ParseRoutes("orders=kafka:order-events")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapters := map[broker.Transport]broker.Adapter{adapter.transport: adapter}
	return NewDispatcher(store, routes, adapters, logger, cfg)
}

func enqueue(t *testing.T, s *outbox.MemoryStore, destination, key string) outbox.Message {
	t.Helper()
	msg, err := outbox.NewMessage(destination, key, "", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	stored, err := s.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return stored
}

func TestDispatchPublishesAndMarksSent(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{transport: broker.TransportKafka}
	d := newTestDispatcher(t, s, adapter, Config{})

	first := enqueue(t, s, "orders", "order-1")
	second := enqueue(t, s, "orders", "order-2")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}

	if adapter.callCount() != 2 {
		t.Fatalf("expected 2 publishes, got %d", adapter.callCount())
	}
	for _, m := range []outbox.Message{first, second} {
		got, err := s.Get(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != outbox.StatusSent || got.Attempts != 1 || got.SentAt == nil {
			t.Fatalf("expected sent after 1 attempt, got status=%s attempts=%d", got.Status, got.Attempts)
		}
		attempts, _ := s.ListAttempts(context.Background(), m.ID)
		if len(attempts) != 1 || attempts[0].Outcome != outbox.OutcomeAck || attempts[0].BrokerRef != "stub-ref" {
			t.Fatalf("expected one ack attempt with broker ref, got %v", attempts)
		}
	}

	msg := adapter.calls[0]
	if msg.Address != "order-events" {
		t.Fatalf("expected resolved address, got %q", msg.Address)
	}
	if msg.IdempotencyKey != msg.ID {
		t.Fatalf("idempotency key should equal the message id, got %q", msg.IdempotencyKey)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script:    []error{broker.Transientf("connection refused")},
	}
	d := newTestDispatcher(t, s, adapter, Config{BackoffBase: time.Nanosecond, BackoffCap: time.Microsecond})

	msg := enqueue(t, s, "orders", "")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}
	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusPending || got.Attempts != 1 {
		t.Fatalf("expected requeued pending after 1 attempt, got status=%s attempts=%d", got.Status, got.Attempts)
	}
	if !strings.Contains(got.LastError, "connection refused") {
		t.Fatalf("expected last_error to carry the failure, got %q", got.LastError)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("second dispatchBatch failed: %v", err)
	}
	got, _ = s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusSent || got.Attempts != 2 {
		t.Fatalf("expected sent after retry, got status=%s attempts=%d", got.Status, got.Attempts)
	}

	attempts, _ := s.ListAttempts(context.Background(), msg.ID)
	if len(attempts) != 2 || attempts[0].Outcome != outbox.OutcomeNack || attempts[1].Outcome != outbox.OutcomeAck {
		t.Fatalf("expected nack then ack in the audit log, got %v", attempts)
	}
}

func TestDispatchFailTwiceThenAck(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script: []error{
			broker.Transientf("broker down"),
			broker.Transientf("broker down"),
		},
	}
	d := newTestDispatcher(t, s, adapter, Config{BackoffBase: time.Nanosecond, BackoffCap: time.Microsecond})

	msg := enqueue(t, s, "orders", "")

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		if _, err := d.dispatchBatch(context.Background()); err != nil {
			t.Fatalf("dispatchBatch %d failed: %v", i+1, err)
		}
	}

	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusSent || got.Attempts != 3 {
		t.Fatalf("expected sent on the third attempt, got status=%s attempts=%d", got.Status, got.Attempts)
	}
	attempts, _ := s.ListAttempts(context.Background(), msg.ID)
	if len(attempts) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(attempts))
	}
	for i, want := range []outbox.Outcome{outbox.OutcomeNack, outbox.OutcomeNack, outbox.OutcomeAck} {
		if attempts[i].Outcome != want {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want, attempts[i].Outcome)
		}
	}
}

func TestDispatchPermanentFailureDeadLetters(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script:    []error{broker.Permanentf("message too large")},
	}
	d := newTestDispatcher(t, s, adapter, Config{})

	msg := enqueue(t, s, "orders", "")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}

	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusDead || got.Attempts != 1 {
		t.Fatalf("expected dead after 1 attempt, got status=%s attempts=%d", got.Status, got.Attempts)
	}
	dead, _ := s.ListDead(context.Background(), 10)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script: []error{
			broker.Transientf("broker down"),
			broker.Transientf("broker down"),
		},
	}
	d := newTestDispatcher(t, s, adapter, Config{
		MaxAttempts: 2,
		BackoffBase: time.Nanosecond,
		BackoffCap:  time.Microsecond,
	})

	msg := enqueue(t, s, "orders", "")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("second dispatchBatch failed: %v", err)
	}

	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusDead || got.Attempts != 2 {
		t.Fatalf("expected dead after exhausting attempts, got status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestDispatchRecordsTimeoutOutcome(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script:    []error{broker.Transient(context.DeadlineExceeded)},
	}
	d := newTestDispatcher(t, s, adapter, Config{})

	msg := enqueue(t, s, "orders", "")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}

	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusPending {
		t.Fatalf("timeouts retry, got status=%s", got.Status)
	}
	attempts, _ := s.ListAttempts(context.Background(), msg.ID)
	if len(attempts) != 1 || attempts[0].Outcome != outbox.OutcomeTimeout {
		t.Fatalf("expected a timeout attempt, got %v", attempts)
	}
}

func TestFailedHeadParksTheGroup(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script:    []error{broker.Transientf("broker down")},
	}
	d := newTestDispatcher(t, s, adapter, Config{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour})

	head := enqueue(t, s, "orders", "order-1")
	tail := enqueue(t, s, "orders", "order-1")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}

	// Only the head reached the broker.
	if adapter.callCount() != 1 {
		t.Fatalf("expected 1 publish, got %d", adapter.callCount())
	}

	gotHead, _ := s.Get(context.Background(), head.ID)
	if gotHead.Status != outbox.StatusPending {
		t.Fatalf("expected head requeued, got %s", gotHead.Status)
	}
	gotTail, _ := s.Get(context.Background(), tail.ID)
	if gotTail.Status != outbox.StatusPending {
		t.Fatalf("expected tail released, got %s", gotTail.Status)
	}
	if !gotTail.NextRetryAt.Equal(gotHead.NextRetryAt) {
		t.Fatalf("tail should wake with the head: head=%s tail=%s", gotHead.NextRetryAt, gotTail.NextRetryAt)
	}
	if gotTail.NextRetryAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected a far-future retry, got %s", gotTail.NextRetryAt)
	}

	// Nothing is claimable until the retry time.
	if batch, _ := s.ClaimBatch(context.Background(), 10, time.Minute); len(batch) != 0 {
		t.Fatalf("expected parked group, claimed %d", len(batch))
	}
}

func TestDeadHeadDoesNotBlockSuccessors(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{
		transport: broker.TransportKafka,
		script:    []error{broker.Permanentf("schema rejected")},
	}
	d := newTestDispatcher(t, s, adapter, Config{})

	head := enqueue(t, s, "orders", "order-1")
	tail := enqueue(t, s, "orders", "order-1")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}

	if adapter.callCount() != 2 {
		t.Fatalf("expected the successor to publish after the head died, got %d calls", adapter.callCount())
	}
	gotHead, _ := s.Get(context.Background(), head.ID)
	if gotHead.Status != outbox.StatusDead {
		t.Fatalf("expected dead head, got %s", gotHead.Status)
	}
	gotTail, _ := s.Get(context.Background(), tail.ID)
	if gotTail.Status != outbox.StatusSent {
		t.Fatalf("expected sent successor, got %s", gotTail.Status)
	}
}

func TestUnroutableDestinationDeadLetters(t *testing.T) {
	s := outbox.NewMemoryStore()
	adapter := &stubAdapter{transport: broker.TransportKafka}
	d := newTestDispatcher(t, s, adapter, Config{})

	msg := enqueue(t, s, "unknown-destination", "")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}

	if adapter.callCount() != 0 {
		t.Fatalf("unroutable message must not reach a broker, got %d calls", adapter.callCount())
	}
	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusDead {
		t.Fatalf("expected dead, got %s", got.Status)
	}
	attempts, _ := s.ListAttempts(context.Background(), msg.ID)
	if len(attempts) != 1 || attempts[0].Outcome != outbox.OutcomeNack {
		t.Fatalf("expected one nack attempt, got %v", attempts)
	}
	if !strings.Contains(attempts[0].Error, "no route") {
		t.Fatalf("expected routing error in the audit, got %q", attempts[0].Error)
	}
}

func TestMissingAdapterDeadLetters(t *testing.T) {
	s := outbox.NewMemoryStore()
	routes, err := broker.ParseRoutes("legacy=stomp:/queue/legacy")
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(s, routes, map[broker.Transport]broker.Adapter{}, logger, Config{})

	msg := enqueue(t, s, "legacy", "")

	if _, err := d.dispatchBatch(context.Background()); err != nil {
		t.Fatalf("dispatchBatch failed: %v", err)
	}
	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != outbox.StatusDead {
		t.Fatalf("expected dead when no adapter serves the transport, got %s", got.Status)
	}
}

func TestGroupByKeyPreservesOrder(t *testing.T) {
	a1, _ := outbox.NewMessage("orders", "a", "", nil)
	b1, _ := outbox.NewMessage("orders", "b", "", nil)
	a2, _ := outbox.NewMessage("orders", "a", "", nil)

	groups := groupByKey([]outbox.Message{a1, b1, a2})
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0][0].ID != a1.ID || groups[0][1].ID != a2.ID {
		t.Fatalf("group a out of order: %v", groups[0])
	}
	if groups[1][0].ID != b1.ID {
		t.Fatalf("group b out of order: %v", groups[1])
	}
}
