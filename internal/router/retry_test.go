package router

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1600 * time.Millisecond},
		{6, 2 * time.Second}, // capped
		{10, 2 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicyDelayJitter(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < time.Second || d > 1500*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want within [1s, 1.5s]", d)
		}
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	bounded := RetryPolicy{MaxAttempts: 3}
	if bounded.Exhausted(3) {
		t.Error("attempt 3 of 3 should not be exhausted")
	}
	if !bounded.Exhausted(4) {
		t.Error("attempt 4 of 3 should be exhausted")
	}

	// Zero means retry forever.
	unbounded := RetryPolicy{}
	if unbounded.Exhausted(1_000_000) {
		t.Error("unbounded policy should never exhaust")
	}
}
