package relay

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	b.rand = func() float64 { return 0.5 } // jitter factor 1.0

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, expected := range want {
		if got := b.Delay(attempt); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}
	if got := b.Delay(60); got != time.Second {
		t.Fatalf("expected cap for large attempts, got %s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)

	b.rand = func() float64 { return 0 }
	if got := b.Delay(0); got != 50*time.Millisecond {
		t.Fatalf("expected lower jitter bound 50ms, got %s", got)
	}

	b.rand = func() float64 { return 0.999 }
	if got := b.Delay(0); got < 50*time.Millisecond || got >= 150*time.Millisecond {
		t.Fatalf("expected delay within [50ms, 150ms), got %s", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	b.rand = func() float64 { return 0.5 }
	if got := b.Delay(0); got != 200*time.Millisecond {
		t.Fatalf("expected default base 200ms, got %s", got)
	}
	if got := b.Delay(30); got != 30*time.Second {
		t.Fatalf("expected default cap 30s, got %s", got)
	}
}
