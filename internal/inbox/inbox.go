// Package inbox is the consuming side of the relay's delivery contract.
// The relay guarantees at-least-once, never exactly-once: consumers see
// duplicates after retries, sweeps, and crash recovery, and are expected
// to discard them by idempotency key within a bounded window.
package inbox

import "context"

// Deduper records idempotency keys first-seen. Record returns true when
// the key is new and the caller should process the message, false when
// it is a duplicate to drop.
type Deduper interface {
	Record(ctx context.Context, idempotencyKey, destination string) (bool, error)
}
