package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fabiobufalari/construction-hub-integrations/libs/db"
	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
)

// PGStore is the Postgres-backed outbox store. It is the system of
// record: enqueue rides the caller's business transaction, claims are
// row locks, and the archive tables keep terminal history.
type PGStore struct {
	pool *db.Pool
}

func NewPGStore(pool *db.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const messageColumns = `id, seq, destination, partition_key, content_type, payload, status, attempts, last_error, next_retry_at, claim_expires_at, sent_at, traceparent, tracestate, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.Seq, &m.Destination, &m.PartitionKey, &m.ContentType, &m.Payload,
		&m.Status, &m.Attempts, &m.LastError, &m.NextRetryAt, &m.ClaimExpiresAt,
		&m.SentAt, &m.Traceparent, &m.Tracestate, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// EnqueueTx records the message inside the caller's transaction so the
// outbox row commits or rolls back with the business write. The current
// trace context is captured into the row for the dispatcher to resume.
func (s *PGStore) EnqueueTx(ctx context.Context, tx pgx.Tx, msg Message) (Message, error) {
	if msg.Destination == "" {
		return Message{}, ErrEmptyDestination
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	row := tx.QueryRow(ctx, `
		INSERT INTO outbox_messages (id, destination, partition_key, content_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns+`
	`, msg.ID, msg.Destination, msg.PartitionKey, msg.ContentType, msg.Payload, traceparent, tracestate)
	out, err := scanMessage(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Message{}, ErrConflict
	}
	return out, err
}

func (s *PGStore) Enqueue(ctx context.Context, msg Message) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback(ctx)

	out, err := s.EnqueueTx(ctx, tx, msg)
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return out, nil
}

// ClaimBatch locks the head row of each dispatchable ordering group with
// SKIP LOCKED, then promotes each locked group's pending chain to
// sending in creation order, bounded by limit overall. A group with any
// sending or failed member has no eligible head, so it stays with
// whichever claimer is working it.
func (s *PGStore) ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT destination, partition_key
		FROM outbox_messages m
		WHERE m.status = 'pending'
		  AND m.next_retry_at <= now()
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_messages live
			WHERE live.destination = m.destination
			  AND live.partition_key = m.partition_key
			  AND live.status IN ('sending', 'failed')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_messages earlier
			WHERE earlier.destination = m.destination
			  AND earlier.partition_key = m.partition_key
			  AND earlier.status = 'pending'
			  AND earlier.seq < m.seq
		  )
		ORDER BY m.next_retry_at, m.seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}

	var destinations, partitionKeys []string
	var ordinals []int32
	for rows.Next() {
		var dest, key string
		if err := rows.Scan(&dest, &key); err != nil {
			rows.Close()
			return nil, err
		}
		destinations = append(destinations, dest)
		partitionKeys = append(partitionKeys, key)
		ordinals = append(ordinals, int32(len(ordinals)))
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(destinations) == 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err = tx.Query(ctx, `
		WITH heads AS (
			SELECT * FROM unnest($1::text[], $2::text[], $3::int[]) AS h(destination, partition_key, ord)
		), chain AS (
			SELECT c.id, row_number() OVER (ORDER BY h.ord, c.seq) AS rn
			FROM heads h
			JOIN outbox_messages c
			  ON c.destination = h.destination AND c.partition_key = h.partition_key
			WHERE c.status = 'pending'
		)
		UPDATE outbox_messages u
		SET status = 'sending',
		    claim_expires_at = now() + make_interval(secs => $4),
		    updated_at = now()
		FROM chain
		WHERE u.id = chain.id AND chain.rn <= $5
		RETURNING u.id, u.seq, u.destination, u.partition_key, u.content_type, u.payload, u.status, u.attempts, u.last_error, u.next_retry_at, u.claim_expires_at, u.sent_at, u.traceparent, u.tracestate, u.created_at, u.updated_at, chain.rn
	`, destinations, partitionKeys, ordinals, visibility.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimed struct {
		msg Message
		rn  int64
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		err := rows.Scan(
			&c.msg.ID, &c.msg.Seq, &c.msg.Destination, &c.msg.PartitionKey, &c.msg.ContentType, &c.msg.Payload,
			&c.msg.Status, &c.msg.Attempts, &c.msg.LastError, &c.msg.NextRetryAt, &c.msg.ClaimExpiresAt,
			&c.msg.SentAt, &c.msg.Traceparent, &c.msg.Tracestate, &c.msg.CreatedAt, &c.msg.UpdatedAt,
			&c.rn,
		)
		if err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	// UPDATE .. RETURNING has no defined order; restore dispatch order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].rn < batch[j].rn })
	out := make([]Message, len(batch))
	for i, c := range batch {
		out[i] = c.msg
	}
	return out, nil
}

func (s *PGStore) MarkSent(ctx context.Context, id uuid.UUID, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', attempts = $2, last_error = '', sent_at = now(), claim_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'sending'
	`, id, attempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', attempts = $2, last_error = $3, claim_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'sending'
	`, id, attempt, truncateError(lastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) Requeue(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', next_retry_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) MarkDead(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'dead', updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) Release(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', next_retry_at = $2, claim_expires_at = NULL, updated_at = now()
		WHERE id = ANY($1::uuid[]) AND status = 'sending'
	`, idStrings(ids), at)
	return err
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// RequeueExpired recovers rows orphaned by a crashed dispatcher: sending
// rows past their claim expiry, and failed rows no tracker resolved
// within the stall window.
func (s *PGStore) RequeueExpired(ctx context.Context, stall time.Duration, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	expired, err := tx.Exec(ctx, `
		WITH expired AS (
			SELECT id FROM outbox_messages
			WHERE status = 'sending' AND claim_expires_at < now()
			ORDER BY claim_expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages u
		SET status = 'pending', claim_expires_at = NULL, next_retry_at = now(), updated_at = now()
		FROM expired
		WHERE u.id = expired.id
	`, limit)
	if err != nil {
		return 0, err
	}

	stalled, err := tx.Exec(ctx, `
		WITH stalled AS (
			SELECT id FROM outbox_messages
			WHERE status = 'failed' AND updated_at < now() - make_interval(secs => $2)
			ORDER BY updated_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages u
		SET status = 'pending', next_retry_at = now(), updated_at = now()
		FROM stalled
		WHERE u.id = stalled.id
	`, limit, stall.Seconds())
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(expired.RowsAffected() + stalled.RowsAffected()), nil
}

func (s *PGStore) RecordAttempt(ctx context.Context, att Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_delivery_attempts (message_id, attempt, transport, outcome, broker_ref, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, att.MessageID, att.Attempt, att.Transport, att.Outcome, att.BrokerRef, truncateError(att.Error))
	return err
}

// Get resolves live messages first and falls back to the archive, so
// the ops API keeps answering for rows the archiver already moved.
func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM outbox_messages WHERE id = $1
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		row = s.pool.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM outbox_messages_archive WHERE id = $1
		`, id)
		m, err = scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
	}
	return m, err
}

func (s *PGStore) ListAttempts(ctx context.Context, id uuid.UUID) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, attempt, transport, outcome, broker_ref, error, attempted_at
		FROM outbox_delivery_attempts
		WHERE message_id = $1
		UNION ALL
		SELECT id, message_id, attempt, transport, outcome, broker_ref, error, attempted_at
		FROM outbox_delivery_attempts_archive
		WHERE message_id = $1
		ORDER BY attempt, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Attempt, &a.Transport, &a.Outcome, &a.BrokerRef, &a.Error, &a.AttemptedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *PGStore) ListDead(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE status = 'dead'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) RequeueDead(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', attempts = 0, last_error = '', next_retry_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'dead'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldestSeconds float64
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'sending'),
			count(*) FILTER (WHERE status = 'sent'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'dead'),
			coalesce(extract(epoch FROM now() - min(created_at) FILTER (WHERE status = 'pending')), 0)
		FROM outbox_messages
	`).Scan(&st.Pending, &st.Sending, &st.Sent, &st.Failed, &st.Dead, &oldestSeconds)
	if err != nil {
		return Stats{}, err
	}
	st.OldestPendingAge = time.Duration(oldestSeconds * float64(time.Second))
	return st, nil
}

// ArchiveTerminal moves sent and dead rows older than the retention
// window, together with their attempt logs, into the archive tables.
// Attempt rows go first so the message FK never dangles.
func (s *PGStore) ArchiveTerminal(ctx context.Context, retention time.Duration, limit int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id FROM outbox_messages
		WHERE status IN ('sent', 'dead') AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, retention.Seconds(), limit)
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, rows.Err()
	}
	if len(ids) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM outbox_delivery_attempts WHERE message_id = ANY($1::uuid[]) RETURNING *
		)
		INSERT INTO outbox_delivery_attempts_archive SELECT * FROM moved
	`, idStrings(ids)); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `
		WITH moved AS (
			DELETE FROM outbox_messages WHERE id = ANY($1::uuid[]) RETURNING *
		)
		INSERT INTO outbox_messages_archive SELECT * FROM moved
	`, idStrings(ids))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// truncateError keeps error text to a size the last_error column and log
// lines tolerate.
func truncateError(text string) string {
	const max = 2048
	if len(text) <= max {
		return text
	}
	return fmt.Sprintf("%s... (%d bytes truncated)", text[:max], len(text)-max)
}

var _ Store = (*PGStore)(nil)
