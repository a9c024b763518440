package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func mustEnqueue(t *testing.T, s *MemoryStore, destination, key string) Message {
	t.Helper()
	msg, err := NewMessage(destination, key, "", []byte(`{}`))
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	stored, err := s.Enqueue(context.Background(), msg)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return stored
}

func TestEnqueueAssignsSequence(t *testing.T) {
	s := NewMemoryStore()
	first := mustEnqueue(t, s, "orders", "")
	second := mustEnqueue(t, s, "orders", "")

	if first.Status != StatusPending || second.Status != StatusPending {
		t.Fatalf("expected pending, got %s and %s", first.Status, second.Status)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}

	if _, err := s.Enqueue(context.Background(), Message{ID: first.ID, Destination: "orders"}); err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate id, got %v", err)
	}
}

func TestClaimBatchClaimsEachMessageOnce(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		mustEnqueue(t, s, "dest-"+string(rune('a'+i)), "")
	}

	batch, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("expected 5 claimed, got %d", len(batch))
	}
	for _, m := range batch {
		if m.Status != StatusSending {
			t.Fatalf("expected sending, got %s", m.Status)
		}
		if m.ClaimExpiresAt == nil {
			t.Fatal("expected claim expiry to be set")
		}
	}

	again, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("second ClaimBatch failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing left to claim, got %d", len(again))
	}
}

func TestClaimBatchKeepsGroupOrder(t *testing.T) {
	s := NewMemoryStore()
	first := mustEnqueue(t, s, "orders", "order-1")
	second := mustEnqueue(t, s, "orders", "order-1")
	third := mustEnqueue(t, s, "orders", "order-1")

	batch, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected whole chain, got %d", len(batch))
	}
	want := []uuid.UUID{first.ID, second.ID, third.ID}
	for i, m := range batch {
		if m.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], m.ID)
		}
	}
}

func TestClaimBatchLimitCutsChainNotOrder(t *testing.T) {
	s := NewMemoryStore()
	mustEnqueue(t, s, "orders", "order-1")
	mustEnqueue(t, s, "orders", "order-1")
	third := mustEnqueue(t, s, "orders", "order-1")

	batch, err := s.ClaimBatch(context.Background(), 2, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(batch))
	}

	// The rest of the group stays unclaimable while siblings are in flight.
	blocked, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected group to be blocked, got %d claims", len(blocked))
	}

	for _, m := range batch {
		if err := s.MarkSent(context.Background(), m.ID, 1); err != nil {
			t.Fatalf("MarkSent failed: %v", err)
		}
	}
	rest, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != third.ID {
		t.Fatalf("expected the third message next, got %v", rest)
	}
}

func TestClaimBatchSkipsGroupWithFailedMember(t *testing.T) {
	s := NewMemoryStore()
	head := mustEnqueue(t, s, "orders", "order-1")
	mustEnqueue(t, s, "orders", "order-1")

	batch, err := s.ClaimBatch(context.Background(), 1, time.Minute)
	if err != nil || len(batch) != 1 {
		t.Fatalf("expected to claim the head, got %v err=%v", batch, err)
	}
	if err := s.MarkFailed(context.Background(), head.ID, 1, "broker down"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	blocked, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("failed head must block its group, got %d claims", len(blocked))
	}

	if err := s.Requeue(context.Background(), head.ID, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	retry, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(retry) != 2 || retry[0].ID != head.ID {
		t.Fatalf("expected head first on retry, got %v", retry)
	}
}

func TestClaimBatchHonorsRetryTime(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	msg := mustEnqueue(t, s, "orders", "")
	if batch, _ := s.ClaimBatch(context.Background(), 1, time.Minute); len(batch) != 1 {
		t.Fatal("expected initial claim to succeed")
	}
	if err := s.MarkFailed(context.Background(), msg.ID, 1, "timeout"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := s.Requeue(context.Background(), msg.ID, base.Add(10*time.Second)); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	if batch, _ := s.ClaimBatch(context.Background(), 1, time.Minute); len(batch) != 0 {
		t.Fatal("message must stay invisible until its retry time")
	}

	base = base.Add(11 * time.Second)
	batch, err := s.ClaimBatch(context.Background(), 1, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != msg.ID {
		t.Fatalf("expected message claimable after retry time, got %v", batch)
	}
	if batch[0].Attempts != 1 {
		t.Fatalf("expected attempt count to survive requeue, got %d", batch[0].Attempts)
	}
}

func TestConcurrentClaimersNeverShareAMessage(t *testing.T) {
	s := NewMemoryStore()
	total := 40
	for i := 0; i < total; i++ {
		mustEnqueue(t, s, "dest", uuid.NewString())
	}

	var wg sync.WaitGroup
	claims := make(chan uuid.UUID, total)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(context.Background(), 5, time.Minute)
				if err != nil {
					t.Errorf("ClaimBatch failed: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				for _, m := range batch {
					claims <- m.ID
				}
			}
		}()
	}
	wg.Wait()
	close(claims)

	seen := map[uuid.UUID]bool{}
	for id := range claims {
		if seen[id] {
			t.Fatalf("message %s claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != total {
		t.Fatalf("expected %d claimed messages, got %d", total, len(seen))
	}
}

func TestTransitionGuards(t *testing.T) {
	s := NewMemoryStore()
	msg := mustEnqueue(t, s, "orders", "")

	if err := s.MarkSent(context.Background(), msg.ID, 1); err != ErrConflict {
		t.Fatalf("MarkSent on pending should conflict, got %v", err)
	}
	if err := s.MarkSent(context.Background(), uuid.New(), 1); err != ErrNotFound {
		t.Fatalf("MarkSent on unknown id should be ErrNotFound, got %v", err)
	}

	if _, err := s.ClaimBatch(context.Background(), 1, time.Minute); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := s.MarkSent(context.Background(), msg.ID, 1); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := s.MarkSent(context.Background(), msg.ID, 1); err != ErrConflict {
		t.Fatalf("double MarkSent should conflict, got %v", err)
	}
	if err := s.MarkDead(context.Background(), msg.ID); err != ErrConflict {
		t.Fatalf("MarkDead on sent should conflict, got %v", err)
	}
}

func TestRequeueExpiredRecoversLostClaims(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	msg := mustEnqueue(t, s, "orders", "")
	if batch, _ := s.ClaimBatch(context.Background(), 1, 30*time.Second); len(batch) != 1 {
		t.Fatal("expected claim to succeed")
	}

	base = base.Add(31 * time.Second)
	n, err := s.RequeueExpired(context.Background(), time.Minute, 100)
	if err != nil {
		t.Fatalf("RequeueExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered claim, got %d", n)
	}

	got, err := s.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending || got.ClaimExpiresAt != nil {
		t.Fatalf("expected pending with no claim, got %s", got.Status)
	}

	// A recovered row must not be recovered twice.
	if n, _ := s.RequeueExpired(context.Background(), time.Minute, 100); n != 0 {
		t.Fatalf("expected no further recovery, got %d", n)
	}
}

func TestRequeueExpiredRecoversStalledFailures(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	msg := mustEnqueue(t, s, "orders", "")
	if batch, _ := s.ClaimBatch(context.Background(), 1, time.Minute); len(batch) != 1 {
		t.Fatal("expected claim to succeed")
	}
	if err := s.MarkFailed(context.Background(), msg.ID, 1, "broker down"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	// Within the stall window the failed row belongs to its tracker.
	if n, _ := s.RequeueExpired(context.Background(), time.Minute, 100); n != 0 {
		t.Fatalf("expected no recovery inside stall window, got %d", n)
	}

	base = base.Add(2 * time.Minute)
	n, err := s.RequeueExpired(context.Background(), time.Minute, 100)
	if err != nil {
		t.Fatalf("RequeueExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered failure, got %d", n)
	}
	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestReleaseReturnsUnsentClaims(t *testing.T) {
	s := NewMemoryStore()
	mustEnqueue(t, s, "orders", "order-1")
	second := mustEnqueue(t, s, "orders", "order-1")

	batch, err := s.ClaimBatch(context.Background(), 10, time.Minute)
	if err != nil || len(batch) != 2 {
		t.Fatalf("expected 2 claims, got %v err=%v", batch, err)
	}

	retryAt := time.Now().Add(5 * time.Second)
	if err := s.Release(context.Background(), []uuid.UUID{second.ID}, retryAt); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	got, _ := s.Get(context.Background(), second.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected released message pending, got %s", got.Status)
	}
	if !got.NextRetryAt.Equal(retryAt) {
		t.Fatalf("expected retry at %s, got %s", retryAt, got.NextRetryAt)
	}

	head, _ := s.Get(context.Background(), batch[0].ID)
	if head.Status != StatusSending {
		t.Fatalf("release must not touch the head, got %s", head.Status)
	}
}

func TestDeadLetterRedrive(t *testing.T) {
	s := NewMemoryStore()
	msg := mustEnqueue(t, s, "orders", "")

	if _, err := s.ClaimBatch(context.Background(), 1, time.Minute); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := s.MarkFailed(context.Background(), msg.ID, 5, "schema rejected"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := s.MarkDead(context.Background(), msg.ID); err != nil {
		t.Fatalf("MarkDead failed: %v", err)
	}

	dead, err := s.ListDead(context.Background(), 10)
	if err != nil || len(dead) != 1 || dead[0].ID != msg.ID {
		t.Fatalf("expected the message in the dead list, got %v err=%v", dead, err)
	}

	if err := s.RequeueDead(context.Background(), msg.ID); err != nil {
		t.Fatalf("RequeueDead failed: %v", err)
	}
	got, _ := s.Get(context.Background(), msg.ID)
	if got.Status != StatusPending || got.Attempts != 0 || got.LastError != "" {
		t.Fatalf("redrive should reset the message, got status=%s attempts=%d", got.Status, got.Attempts)
	}

	if err := s.RequeueDead(context.Background(), msg.ID); err != ErrConflict {
		t.Fatalf("redrive of a live message should conflict, got %v", err)
	}
	if err := s.RequeueDead(context.Background(), uuid.New()); err != ErrNotFound {
		t.Fatalf("redrive of unknown id should be ErrNotFound, got %v", err)
	}
}

func TestArchiveTerminalMovesOldRows(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	msg := mustEnqueue(t, s, "orders", "")
	if _, err := s.ClaimBatch(context.Background(), 1, time.Minute); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := s.MarkSent(context.Background(), msg.ID, 1); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	mustEnqueue(t, s, "orders", "")

	base = base.Add(48 * time.Hour)
	n, err := s.ArchiveTerminal(context.Background(), 24*time.Hour, 100)
	if err != nil {
		t.Fatalf("ArchiveTerminal failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 archived row, got %d", n)
	}

	// Archived messages stay readable for the ops API.
	if _, err := s.Get(context.Background(), msg.ID); err != nil {
		t.Fatalf("archived message should still resolve: %v", err)
	}
	stats, _ := s.Stats(context.Background())
	if stats.Sent != 0 {
		t.Fatalf("archived rows must leave the live stats, got %d sent", stats.Sent)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected the non-terminal row to stay, got %d pending", stats.Pending)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.SetClock(func() time.Time { return base })

	mustEnqueue(t, s, "orders", "a")
	mustEnqueue(t, s, "billing", "b")
	if _, err := s.ClaimBatch(context.Background(), 1, time.Minute); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}

	base = base.Add(30 * time.Second)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Pending != 1 || stats.Sending != 1 {
		t.Fatalf("expected 1 pending and 1 sending, got %+v", stats)
	}
	if stats.OldestPendingAge != 30*time.Second {
		t.Fatalf("expected oldest pending age 30s, got %s", stats.OldestPendingAge)
	}
}

func TestRecordAttemptKeepsAuditOrder(t *testing.T) {
	s := NewMemoryStore()
	msg := mustEnqueue(t, s, "orders", "")

	for i := 1; i <= 3; i++ {
		outcome := OutcomeNack
		if i == 3 {
			outcome = OutcomeAck
		}
		err := s.RecordAttempt(context.Background(), Attempt{
			MessageID: msg.ID,
			Attempt:   i,
			Transport: "kafka",
			Outcome:   outcome,
			Error:     "connection refused",
		})
		if err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	attempts, err := s.ListAttempts(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Fatalf("expected attempt %d at position %d, got %d", i+1, i, a.Attempt)
		}
	}
	if attempts[2].Outcome != OutcomeAck {
		t.Fatalf("expected final ack, got %s", attempts[2].Outcome)
	}
}
