package middleware

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.RecordFailureAndAllow("192.168.1.1") {
			t.Fatalf("attempt %d should be within burst of 5", i+1)
		}
	}
}

func TestRateLimiter_ExceedLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.RecordFailureAndAllow("10.0.0.1")
	}

	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("should be rate limited after exceeding burst")
	}
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.RecordFailureAndAllow("10.0.0.1")
	}

	if !rl.RecordFailureAndAllow("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be rate limited")
	}
}

func TestRateLimiter_DefaultMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 0) // should default to 10
	defer rl.Stop()

	for i := 0; i < DefaultMaxAttemptsPerMinute; i++ {
		rl.RecordFailureAndAllow("10.0.0.1")
	}
	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("should be rate limited after default max attempts")
	}
}

func TestRateLimiter_MaxTrackedIPs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()
	rl.maxTrackedIPs = 3

	rl.RecordFailureAndAllow("1.1.1.1")
	rl.RecordFailureAndAllow("2.2.2.2")
	rl.RecordFailureAndAllow("3.3.3.3")
	// Adding a 4th should evict the oldest
	rl.RecordFailureAndAllow("4.4.4.4")

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()
	if count > 3 {
		t.Fatalf("expected at most 3 tracked IPs, got %d", count)
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	defer rl.Stop()

	rl.RecordFailureAndAllow("stale.ip")
	// Manually backdate the entry
	rl.mu.Lock()
	rl.entries["stale.ip"].lastSeen = time.Now().Add(-10 * time.Minute)
	rl.mu.Unlock()

	rl.removeStale()

	rl.mu.Lock()
	_, exists := rl.entries["stale.ip"]
	rl.mu.Unlock()
	if exists {
		t.Fatal("expected stale entry to be removed")
	}
}

func TestRateLimiter_StopCancelsCleanup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 5)
	rl.Stop()
	// Should not panic or block
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		got := ExtractIP(tt.input)
		if got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
