package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "classified", err: New(Fatal, "auth"), want: Fatal},
		{name: "wrapped classified", err: fmt.Errorf("call: %w", New(RateLimited, "429")), want: RateLimited},
		{name: "deadline", err: context.DeadlineExceeded, want: Transient},
		{name: "cancelled", err: context.Canceled, want: Conflict},
		{name: "wrapped cancelled", err: fmt.Errorf("answer: %w", context.Canceled), want: Conflict},
		{name: "plain", err: errors.New("boom"), want: Transient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	if !Retryable(New(Transient, "timeout")) {
		t.Fatal("transient should be retryable")
	}
	if !Retryable(New(RateLimited, "429")) {
		t.Fatal("rate-limited should be retryable")
	}
	for _, k := range []Kind{Invalid, Fatal, Validation, Conflict, Storage} {
		if Retryable(New(k, "nope")) {
			t.Fatalf("%s should not be retryable", k)
		}
	}
	// A caller that gave up must not trigger another attempt.
	if Retryable(context.Canceled) {
		t.Fatal("cancellation should not be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()
	base := New(RateLimited, "429")
	err := RetryAfter(base, 3*time.Second)

	d, ok := HintedDelay(err)
	if !ok || d != 3*time.Second {
		t.Fatalf("HintedDelay = %v, %v", d, ok)
	}
	// The kind survives the wrapping.
	if KindOf(err) != RateLimited {
		t.Fatalf("KindOf = %s, want rate_limited", KindOf(err))
	}
	if _, ok := HintedDelay(errors.New("plain")); ok {
		t.Fatal("plain error should carry no hint")
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()
	if Wrap(Storage, nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if RetryAfter(nil, time.Second) != nil {
		t.Fatal("RetryAfter(nil) should be nil")
	}
}
