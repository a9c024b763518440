package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestPermanentAndTransientClassification(t *testing.T) {
	base := errors.New("boom")

	if IsPermanent(Transient(base)) {
		t.Fatal("transient error must not classify as permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Fatal("permanent error must classify as permanent")
	}
	if !IsPermanent(fmt.Errorf("publish: %w", Permanentf("bad topic %q", "x"))) {
		t.Fatal("classification must survive wrapping")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("wrapped cause must stay reachable")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatal("nil must pass through untouched")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded is a timeout")
	}
	if !IsTimeout(Transient(fmt.Errorf("confirm wait: %w", context.Canceled))) {
		t.Fatal("wrapped cancellation is a timeout")
	}
	if IsTimeout(errors.New("connection refused")) {
		t.Fatal("ordinary failures are not timeouts")
	}
}
