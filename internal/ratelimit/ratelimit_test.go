package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllowConsumesTokens(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	if err := l.Allow("refresh_credentials"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow("refresh_credentials"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if err := l.Allow("refresh_credentials"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("refresh_credentials"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := l.Allow("get_credential_status"); err != nil {
		t.Fatalf("exhausting one tool must not starve another: %v", err)
	}
}

func TestRefillOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Allow("refresh_credentials"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow("refresh_credentials"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}

	// One token per second at 60 rpm.
	now = now.Add(time.Second)
	if err := l.Allow("refresh_credentials"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		if err := l.Allow("any"); err != nil {
			t.Fatalf("unlimited limiter refused: %v", err)
		}
	}
}
