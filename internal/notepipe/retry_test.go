package notepipe

import (
	"testing"
	"time"
)

func TestBackoffDelayDoublesUpToMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 500 * time.Millisecond,
		9: 500 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := backoffDelay(attempt, base, max, ""); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestBackoffDelayHonorsRetryAfter(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	if got := backoffDelay(1, base, max, "3"); got != 3*time.Second {
		t.Fatalf("expected Retry-After to win, got %v", got)
	}
	if got := backoffDelay(1, base, max, "60"); got != max {
		t.Fatalf("expected Retry-After capped at max, got %v", got)
	}
	if got := backoffDelay(1, base, max, "garbage"); got != base {
		t.Fatalf("expected fallback to backoff on bad header, got %v", got)
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503} {
		if !retryableStatus(status) {
			t.Fatalf("expected %d to be retryable", status)
		}
	}
	for _, status := range []int{200, 400, 401, 404} {
		if retryableStatus(status) {
			t.Fatalf("expected %d to be permanent", status)
		}
	}
}
