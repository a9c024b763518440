package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports an unknown message id.
	ErrNotFound = errors.New("outbox: message not found")

	// ErrConflict reports a lost claim race: the row is no longer in the
	// state the operation requires, another actor got there first. Callers
	// abort the message silently and move on.
	ErrConflict = errors.New("outbox: store conflict")

	// ErrInvalidTransition reports a state change the status machine forbids.
	ErrInvalidTransition = errors.New("outbox: invalid status transition")
)

// Store is the persistence contract the dispatcher and tracker drive.
// Implementations must make ClaimBatch atomic: two concurrent claimers
// never observe overlapping batches, and a claimed ordering group stays
// invisible to other claimers until every claimed row is resolved.
type Store interface {
	// Enqueue records a single pending message on its own. Callers that
	// need atomicity with a business write use the transactional variant
	// on the concrete store.
	Enqueue(ctx context.Context, msg Message) (Message, error)

	// ClaimBatch transitions up to limit ready pending rows to sending and
	// returns them in dispatch order. Rows sharing a (destination,
	// partition key) group are claimed as a contiguous creation-order
	// chain headed by the oldest live row; a group with any unresolved
	// member is skipped entirely. Claims expire after visibility.
	ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]Message, error)

	// MarkSent finalizes a claimed row: sending -> sent.
	MarkSent(ctx context.Context, id uuid.UUID, attempt int) error

	// MarkFailed finalizes a claimed row: sending -> failed, recording the
	// attempt count and error text. The tracker resolves failed rows with
	// Requeue or MarkDead immediately after.
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error

	// Requeue schedules a retry: failed -> pending, next attempt at `at`.
	Requeue(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkDead dead-letters a failed row: failed -> dead.
	MarkDead(ctx context.Context, id uuid.UUID) error

	// Release returns still-unpublished claimed rows to pending without
	// recording an attempt, scheduling them at `at`. Used for the tail of
	// an ordering group whose head failed, and on shutdown.
	Release(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// RequeueExpired is the recovery sweep: claimed rows whose visibility
	// expired, and failed rows stuck unresolved past the stall window, go
	// back to pending. Returns the number of rows requeued.
	RequeueExpired(ctx context.Context, stall time.Duration, limit int) (int, error)

	// RecordAttempt appends one row to the delivery audit log.
	RecordAttempt(ctx context.Context, att Attempt) error

	Get(ctx context.Context, id uuid.UUID) (Message, error)
	ListAttempts(ctx context.Context, id uuid.UUID) ([]Attempt, error)
	ListDead(ctx context.Context, limit int) ([]Message, error)

	// RequeueDead is the operator redrive: dead -> pending with a reset
	// attempt counter.
	RequeueDead(ctx context.Context, id uuid.UUID) error

	Stats(ctx context.Context) (Stats, error)

	// ArchiveTerminal moves terminal rows older than the retention window,
	// with their attempt logs, out of the live table. Returns the number
	// of messages archived.
	ArchiveTerminal(ctx context.Context, retention time.Duration, limit int) (int, error)
}
