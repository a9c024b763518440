package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fabiobufalari/construction-hub-integrations/libs/db"
)

// PGDeduper dedups through a unique insert, so the dedup decision can
// share a transaction with the consumer's own write.
type PGDeduper struct {
	pool *db.Pool
}

func NewPGDeduper(pool *db.Pool) *PGDeduper {
	return &PGDeduper{pool: pool}
}

func (d *PGDeduper) Record(ctx context.Context, idempotencyKey, destination string) (bool, error) {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO inbox_messages (idempotency_key, destination)
		VALUES ($1, $2)
	`, idempotencyKey, destination)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}

var _ Deduper = (*PGDeduper)(nil)
