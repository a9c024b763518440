package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fabiobufalari/construction-hub-integrations/internal/broker"
	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
)

// Result is one publish attempt's outcome as the dispatcher saw it.
type Result struct {
	Outcome   outbox.Outcome
	Transport broker.Transport
	BrokerRef string
	Err       error
	Permanent bool
}

// Tracker records every attempt and drives the message state machine:
// ack finalizes to sent; a transient failure schedules a retry until
// the attempt ceiling, then dead; a permanent failure goes dead after
// the one attempt that revealed it.
type Tracker struct {
	store       outbox.Store
	backoff     Backoff
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewTracker(store outbox.Store, backoff Backoff, maxAttempts int, logger *slog.Logger) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Tracker{
		store:       store,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Resolve finalizes one claimed message. hold reports that the rest of
// the message's ordering group must not be published now; holdUntil is
// when the group should wake.
func (t *Tracker) Resolve(ctx context.Context, msg outbox.Message, res Result) (hold bool, holdUntil time.Time) {
	attempt := msg.Attempts + 1

	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	if err := t.store.RecordAttempt(ctx, outbox.Attempt{
		MessageID: msg.ID,
		Attempt:   attempt,
		Transport: string(res.Transport),
		Outcome:   res.Outcome,
		BrokerRef: res.BrokerRef,
		Error:     errText,
	}); err != nil {
		t.logger.Error("recording delivery attempt failed", "message_id", msg.ID, "attempt", attempt, "err", err)
	}

	if res.Outcome == outbox.OutcomeAck {
		if err := t.store.MarkSent(ctx, msg.ID, attempt); err != nil {
			// Lost the claim: the sweep requeued this row mid-publish and
			// another claimer may own the group now. Back off the group.
			t.logConflict(msg, attempt, "mark sent", err)
			return true, t.now()
		}
		return false, time.Time{}
	}

	t.logger.Error("publish failed",
		"message_id", msg.ID,
		"destination", msg.Destination,
		"attempt", attempt,
		"transport", res.Transport,
		"outcome", res.Outcome,
		"err", res.Err,
	)

	if err := t.store.MarkFailed(ctx, msg.ID, attempt, errText); err != nil {
		t.logConflict(msg, attempt, "mark failed", err)
		return true, t.now()
	}

	if res.Permanent || attempt >= t.maxAttempts {
		if err := t.store.MarkDead(ctx, msg.ID); err != nil {
			t.logConflict(msg, attempt, "mark dead", err)
			return true, t.now()
		}
		reason := "attempts exhausted"
		if res.Permanent {
			reason = "permanent error"
		}
		t.logger.Warn("message dead-lettered",
			"message_id", msg.ID,
			"destination", msg.Destination,
			"attempt", attempt,
			"reason", reason,
		)
		// A dead head no longer blocks its group; successors proceed.
		return false, time.Time{}
	}

	retryAt := t.now().Add(t.backoff.Delay(attempt))
	if err := t.store.Requeue(ctx, msg.ID, retryAt); err != nil {
		t.logConflict(msg, attempt, "requeue", err)
		return true, t.now()
	}
	return true, retryAt
}

func (t *Tracker) logConflict(msg outbox.Message, attempt int, op string, err error) {
	level := slog.LevelError
	if errors.Is(err, outbox.ErrConflict) {
		level = slog.LevelInfo
	}
	t.logger.Log(context.Background(), level, "claim resolution lost",
		"op", op,
		"message_id", msg.ID,
		"attempt", attempt,
		"err", err,
	)
}
