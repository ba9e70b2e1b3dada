package transfer

import (
	"errors"
	"fmt"
	"testing"
)

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityHigh < PriorityNormal && PriorityNormal < PriorityLow) {
		t.Fatalf("priority ordering broken: high=%d normal=%d low=%d",
			PriorityHigh, PriorityNormal, PriorityLow)
	}
}

func TestMethodStrings(t *testing.T) {
	cases := map[Method]string{
		MethodGet:  "GET",
		MethodPost: "POST",
		MethodHead: "HEAD",
	}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Fatalf("method %d: got %q want %q", m, got, want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	wrapped := fmt.Errorf("connect refused: %w", ErrTransport)
	if !Retryable(wrapped) {
		t.Fatalf("transport error should be retryable")
	}
	if !Retryable(fmt.Errorf("after 30s: %w", ErrTimeout)) {
		t.Fatalf("timeout should be retryable")
	}
	for _, err := range []error{ErrCancelled, ErrSubmission, ErrReassembly} {
		if Retryable(err) {
			t.Fatalf("%v should not be retryable", err)
		}
	}
	if Retryable(nil) {
		t.Fatalf("nil should not be retryable")
	}
}

func TestErrorWrappingPreservesIs(t *testing.T) {
	err := fmt.Errorf("%w: last error was %v", ErrExhaustedRetries, ErrTimeout)
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("expected exhausted-retries classification")
	}
}

func TestTerminalStates(t *testing.T) {
	r := &Record{State: StatePending}
	if r.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	r.State = StateRunning
	if r.Terminal() {
		t.Fatalf("running must not be terminal")
	}
	r.State = StateDone
	if !r.Terminal() {
		t.Fatalf("done must be terminal")
	}
	r.State = StateCancelled
	if !r.Terminal() {
		t.Fatalf("cancelled must be terminal")
	}
}
