package reliability

import (
	"testing"
	"time"
)

func TestRetryableStatusClassification(t *testing.T) {
	retryable := []int{429, 500, 502, 503, 504}
	for _, code := range retryable {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should be retryable", code)
		}
	}
	terminal := []int{200, 201, 400, 401, 404, 422}
	for _, code := range terminal {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should not be retryable", code)
		}
	}
}

func TestExponentialBackoffGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := time.Second

	if got := ExponentialBackoff(0, base, ceiling); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, ceiling); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 200ms", got)
	}
	if got := ExponentialBackoff(2, base, ceiling); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(20, base, ceiling); got != ceiling {
		t.Fatalf("attempt 20 = %v, want capped at %v", got, ceiling)
	}
	if got := ExponentialBackoff(-1, base, ceiling); got != base {
		t.Fatalf("negative attempt = %v, want %v", got, base)
	}
}
