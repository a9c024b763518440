package inbox

import (
	"context"
	"sync"
	"time"
)

// MemoryDeduper keeps seen keys in process memory. It only protects a
// single consumer instance, which is enough for local runs and tests.
type MemoryDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &MemoryDeduper{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func (d *MemoryDeduper) Record(_ context.Context, idempotencyKey, destination string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, key)
		}
	}

	key := destination + "\x00" + idempotencyKey
	if _, dup := d.seen[key]; dup {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}
