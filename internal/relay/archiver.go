package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
)

// Archiver moves terminal messages past the retention window into the
// archive tables. Outbox rows are never deleted from history, they only
// leave the live table.
type Archiver struct {
	store     outbox.Store
	interval  time.Duration
	retention time.Duration
	limit     int
	logger    *slog.Logger
}

func NewArchiver(store outbox.Store, interval, retention time.Duration, limit int, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if limit <= 0 {
		limit = 1000
	}
	return &Archiver{store: store, interval: interval, retention: retention, limit: limit, logger: logger}
}

func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := a.store.ArchiveTerminal(ctx, a.retention, a.limit)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					a.logger.Error("archive pass failed", "err", err)
					break
				}
				if n > 0 {
					a.logger.Info("archived terminal messages", "count", n)
				}
				if n < a.limit {
					break
				}
			}
		}
	}
}
