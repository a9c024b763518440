package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
)

// MemoryStore is an in-process Store with the same claim and transition
// semantics as PGStore. It backs unit tests and the consumer simulator;
// it is not durable.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	messages map[uuid.UUID]*Message
	attempts []Attempt
	archived map[uuid.UUID]*Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: map[uuid.UUID]*Message{},
		archived: map[uuid.UUID]*Message{},
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(ctx context.Context, msg Message) (Message, error) {
	if msg.Destination == "" {
		return Message{}, ErrEmptyDestination
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	msg.Traceparent, msg.Tracestate = otelx.TraceContextStrings(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return Message{}, ErrConflict
	}

	now := s.now()
	s.seq++
	msg.Seq = s.seq
	msg.Status = StatusPending
	msg.Attempts = 0
	msg.LastError = ""
	msg.NextRetryAt = now
	msg.ClaimExpiresAt = nil
	msg.SentAt = nil
	msg.CreatedAt = now
	msg.UpdatedAt = now
	stored := msg
	s.messages[msg.ID] = &stored
	return msg, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int, visibility time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Group state: a group with any sending or failed member is off
	// limits, and only its oldest pending row can head a claim.
	type groupState struct {
		live    bool
		headSeq int64
	}
	groups := map[string]*groupState{}
	for _, m := range s.messages {
		g := groups[m.GroupKey()]
		if g == nil {
			g = &groupState{}
			groups[m.GroupKey()] = g
		}
		switch m.Status {
		case StatusSending, StatusFailed:
			g.live = true
		case StatusPending:
			if g.headSeq == 0 || m.Seq < g.headSeq {
				g.headSeq = m.Seq
			}
		}
	}

	var heads []*Message
	for _, m := range s.messages {
		g := groups[m.GroupKey()]
		if m.Status != StatusPending || m.NextRetryAt.After(now) || g.live || m.Seq != g.headSeq {
			continue
		}
		heads = append(heads, m)
	}
	sort.Slice(heads, func(i, j int) bool {
		if !heads[i].NextRetryAt.Equal(heads[j].NextRetryAt) {
			return heads[i].NextRetryAt.Before(heads[j].NextRetryAt)
		}
		return heads[i].Seq < heads[j].Seq
	})
	if len(heads) > limit {
		heads = heads[:limit]
	}

	expires := now.Add(visibility)
	var out []Message
	for _, head := range heads {
		var chain []*Message
		for _, m := range s.messages {
			if m.GroupKey() == head.GroupKey() && m.Status == StatusPending {
				chain = append(chain, m)
			}
		}
		sort.Slice(chain, func(i, j int) bool { return chain[i].Seq < chain[j].Seq })
		for _, m := range chain {
			if len(out) >= limit {
				break
			}
			m.Status = StatusSending
			exp := expires
			m.ClaimExpiresAt = &exp
			m.UpdatedAt = now
			out = append(out, *m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) transition(id uuid.UUID, from, to Status, mutate func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != from {
		return ErrConflict
	}
	if !from.CanTransitionTo(to) {
		return ErrInvalidTransition
	}
	m.Status = to
	m.UpdatedAt = s.now()
	if mutate != nil {
		mutate(m)
	}
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id uuid.UUID, attempt int) error {
	return s.transition(id, StatusSending, StatusSent, func(m *Message) {
		m.Attempts = attempt
		m.LastError = ""
		now := s.now()
		m.SentAt = &now
		m.ClaimExpiresAt = nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, attempt int, lastError string) error {
	return s.transition(id, StatusSending, StatusFailed, func(m *Message) {
		m.Attempts = attempt
		m.LastError = lastError
		m.ClaimExpiresAt = nil
	})
}

func (s *MemoryStore) Requeue(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.transition(id, StatusFailed, StatusPending, func(m *Message) {
		m.NextRetryAt = at
	})
}

func (s *MemoryStore) MarkDead(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StatusFailed, StatusDead, nil)
}

func (s *MemoryStore) Release(_ context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Status != StatusSending {
			continue
		}
		m.Status = StatusPending
		m.NextRetryAt = at
		m.ClaimExpiresAt = nil
		m.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) RequeueExpired(_ context.Context, stall time.Duration, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	requeued := 0
	for _, m := range s.messages {
		if requeued >= limit {
			break
		}
		switch {
		case m.Status == StatusSending && m.ClaimExpiresAt != nil && m.ClaimExpiresAt.Before(now):
			m.Status = StatusPending
			m.ClaimExpiresAt = nil
			m.NextRetryAt = now
			m.UpdatedAt = now
			requeued++
		case m.Status == StatusFailed && m.UpdatedAt.Before(now.Add(-stall)):
			m.Status = StatusPending
			m.NextRetryAt = now
			m.UpdatedAt = now
			requeued++
		}
	}
	return requeued, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, att Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att.ID = int64(len(s.attempts) + 1)
	if att.AttemptedAt.IsZero() {
		att.AttemptedAt = s.now()
	}
	s.attempts = append(s.attempts, att)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[id]; ok {
		return *m, nil
	}
	if m, ok := s.archived[id]; ok {
		return *m, nil
	}
	return Message{}, ErrNotFound
}

func (s *MemoryStore) ListAttempts(_ context.Context, id uuid.UUID) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Attempt
	for _, a := range s.attempts {
		if a.MessageID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (s *MemoryStore) ListDead(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.Status == StatusDead {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RequeueDead(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StatusDead, StatusPending, func(m *Message) {
		m.Attempts = 0
		m.LastError = ""
		m.NextRetryAt = s.now()
	})
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	now := s.now()
	var oldest time.Time
	for _, m := range s.messages {
		switch m.Status {
		case StatusPending:
			st.Pending++
			if oldest.IsZero() || m.CreatedAt.Before(oldest) {
				oldest = m.CreatedAt
			}
		case StatusSending:
			st.Sending++
		case StatusSent:
			st.Sent++
		case StatusFailed:
			st.Failed++
		case StatusDead:
			st.Dead++
		}
	}
	if !oldest.IsZero() {
		st.OldestPendingAge = now.Sub(oldest)
	}
	return st, nil
}

func (s *MemoryStore) ArchiveTerminal(_ context.Context, retention time.Duration, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	archived := 0
	for id, m := range s.messages {
		if archived >= limit {
			break
		}
		if m.Status.Terminal() && m.UpdatedAt.Before(cutoff) {
			s.archived[id] = m
			delete(s.messages, id)
			archived++
		}
	}
	return archived, nil
}

var _ Store = (*MemoryStore)(nil)
