package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
)

// Sweeper is the crash-recovery loop: it returns expired claims and
// stalled failure resolutions to pending so no message is lost to a
// dead dispatcher.
type Sweeper struct {
	store    outbox.Store
	interval time.Duration
	stall    time.Duration
	limit    int
	logger   *slog.Logger
}

func NewSweeper(store outbox.Store, interval, stall time.Duration, limit int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if stall <= 0 {
		stall = 30 * time.Second
	}
	if limit <= 0 {
		limit = 500
	}
	return &Sweeper{store: store, interval: interval, stall: stall, limit: limit, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.RequeueExpired(ctx, s.stall, s.limit)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("recovery sweep failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Warn("requeued expired claims", "count", n)
			}
		}
	}
}
