package redis

import (
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	if got := nodeMetricsKey("n1"); got != "node:metrics:n1" {
		t.Errorf("nodeMetricsKey = %q", got)
	}
	if got := sessionKey("abc"); got != "session:abc" {
		t.Errorf("sessionKey = %q", got)
	}
	if got := rateLimitKey("login:alice"); got != "ratelimit:login:alice" {
		t.Errorf("rateLimitKey = %q", got)
	}
}

func TestRateLimitResult(t *testing.T) {
	now := time.Now()
	tests := []struct {
		count, limit  int64
		wantAllowed   bool
		wantRemaining int64
	}{
		{0, 5, true, 4},
		{4, 5, true, 0},
		{5, 5, false, 0},
		{9, 5, false, 0},
	}
	for _, tt := range tests {
		got := rateLimitResult(tt.count, tt.limit, now, time.Minute)
		if got.Allowed != tt.wantAllowed || got.Remaining != tt.wantRemaining {
			t.Errorf("rateLimitResult(%d, %d) = %+v", tt.count, tt.limit, got)
		}
		if !got.ResetAt.Equal(now.Add(time.Minute)) {
			t.Errorf("ResetAt = %v", got.ResetAt)
		}
	}
}
