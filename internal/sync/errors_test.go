package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"plain", base, KindTransient, true},
		{"timeout", context.DeadlineExceeded, KindTransient, true},
		{"transient", Transient(base), KindTransient, true},
		{"rate limited", RateLimited(base, time.Minute), KindRateLimited, true},
		{"auth", AuthExpired(base), KindAuthExpired, false},
		{"permanent", Permanent(base), KindPermanent, false},
		{"wrapped auth", fmt.Errorf("fetch: %w", AuthExpired(base)), KindAuthExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.kind {
				t.Errorf("Classify = %v, want %v", got, tt.kind)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestProviderErrorIs(t *testing.T) {
	err := fmt.Errorf("history: %w", RateLimited(errors.New("429"), 30*time.Second))
	if !errors.Is(err, ErrRateLimited) {
		t.Error("expected ErrRateLimited match")
	}
	if errors.Is(err, ErrAuthExpired) {
		t.Error("unexpected ErrAuthExpired match")
	}
	if RetryAfter(err) != 30*time.Second {
		t.Errorf("RetryAfter = %v", RetryAfter(err))
	}
	if !IsTimeout(fmt.Errorf("x: %w", context.Canceled)) {
		t.Error("canceled should be a timeout")
	}
}

func TestFromStatus(t *testing.T) {
	base := errors.New("http error")
	tests := []struct {
		code int
		kind ErrorKind
	}{
		{401, KindAuthExpired},
		{429, KindRateLimited},
		{408, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindPermanent},
		{404, KindPermanent},
	}
	for _, tt := range tests {
		if got := Classify(FromStatus(tt.code, nil, base)); got != tt.kind {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.code, got, tt.kind)
		}
	}

	h := http.Header{}
	h.Set("Retry-After", "12")
	if got := RetryAfter(FromStatus(429, h, base)); got != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", got)
	}
	if got := ParseRetryAfter(http.Header{"Retry-After": []string{"soon"}}); got != 0 {
		t.Errorf("unparseable Retry-After = %v, want 0", got)
	}
}
