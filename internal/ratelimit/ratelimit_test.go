package ratelimit

import (
	"testing"
	"time"
)

func TestAllowUnderLimitsPasses(t *testing.T) {
	l := NewMemoryLimiter()
	cfg := DefaultConfig()
	now := time.Now()

	for i := 0; i < 5; i++ {
		res, err := l.AllowAt("user1", cfg, now)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}
}

func TestMinuteLimitExceededOnNPlusOne(t *testing.T) {
	l := NewMemoryLimiter()
	cfg := DefaultConfig()
	cfg.BurstLimit = 1000 // isolate the minute gate
	cfg.BurstWindow = time.Millisecond
	now := time.Now()

	for i := 0; i < cfg.RequestsPerMinute; i++ {
		res, err := l.AllowAt("user1", cfg, now)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d should be allowed, got allowed=%v err=%v", i, res.Allowed, err)
		}
	}

	res, err := l.AllowAt("user1", cfg, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Reason != ReasonMinuteExceeded {
		t.Errorf("got allowed=%v reason=%v, want rejected with MINUTE_LIMIT_EXCEEDED", res.Allowed, res.Reason)
	}
}

func TestBurstLimitExceeded(t *testing.T) {
	l := NewMemoryLimiter()
	cfg := DefaultConfig()
	now := time.Now()

	for i := 0; i < cfg.BurstLimit; i++ {
		res, err := l.AllowAt("user1", cfg, now)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	res, _ := l.AllowAt("user1", cfg, now)
	if res.Allowed || res.Reason != ReasonBurstExceeded {
		t.Errorf("11th burst request: allowed=%v reason=%v, want rejected BURST_LIMIT_EXCEEDED", res.Allowed, res.Reason)
	}
	if res.ResetTime > cfg.BurstWindow {
		t.Errorf("ResetTime = %v, want <= burst window %v", res.ResetTime, cfg.BurstWindow)
	}
}

func TestCooldownBlocksFurtherRequests(t *testing.T) {
	l := NewMemoryLimiter()
	cfg := DefaultConfig()
	now := time.Now()

	for i := 0; i < cfg.BurstLimit+1; i++ {
		l.AllowAt("user1", cfg, now)
	}

	res, _ := l.AllowAt("user1", cfg, now.Add(time.Second))
	if res.Allowed || res.Reason != ReasonCooldownActive {
		t.Errorf("expected cooldown to block, got allowed=%v reason=%v", res.Allowed, res.Reason)
	}
}

func TestRejectionDoesNotRecord(t *testing.T) {
	l := NewMemoryLimiter()
	cfg := DefaultConfig()
	cfg.BurstLimit = 1
	now := time.Now()

	l.AllowAt("user1", cfg, now)
	l.AllowAt("user1", cfg, now) // rejected, must not record

	w := l.users["user1"]
	if len(w.burst) != 1 {
		t.Errorf("burst entries = %d, want 1 (rejection should not record)", len(w.burst))
	}
}
