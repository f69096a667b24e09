package ratelimit

import (
	"context"
	"testing"
	"time"

	"provenance/internal/config"
)

func testRateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Text:    config.BucketConfig{Requests: 3, WindowSeconds: 60},
		Media:   config.BucketConfig{Requests: 40, WindowSeconds: 60},
		Batch:   config.BucketConfig{Requests: 20, WindowSeconds: 60},
		Intel:   config.BucketConfig{Requests: 20, WindowSeconds: 60},
		Default: config.BucketConfig{Requests: 100, WindowSeconds: 60},
	}
}

func TestFixedWindowRejectsAfterLimit(t *testing.T) {
	a := NewMemoryAuthorizer(testRateConfig(), 1000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := a.Authorize(ctx, "client-a", "text", 1)
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if !decision.OK {
			t.Fatalf("request %d rejected: %s", i+1, decision.Reason)
		}
	}

	decision, err := a.Authorize(ctx, "client-a", "text", 1)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if decision.OK {
		t.Fatalf("fourth request should be rejected")
	}
	if decision.Reason != ReasonRateLimited {
		t.Fatalf("reason = %s, want %s", decision.Reason, ReasonRateLimited)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > 60*time.Second {
		t.Fatalf("retry_after = %v, want within the window", decision.RetryAfter)
	}
}

func TestBucketsAreIndependentPerClient(t *testing.T) {
	a := NewMemoryAuthorizer(testRateConfig(), 1000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := a.Authorize(ctx, "client-a", "text", 1); !d.OK {
			t.Fatalf("client-a request %d rejected", i+1)
		}
	}
	if d, _ := a.Authorize(ctx, "client-b", "text", 1); !d.OK {
		t.Fatalf("client-b should have a fresh window")
	}
	if d, _ := a.Authorize(ctx, "client-a", "media", 3); !d.OK {
		t.Fatalf("media bucket should be independent of text")
	}
}

// Three text calls (1pt), one image (3pt), then a video (6pt) against a 10
// point cap: the video pushes past the cap and must be rejected.
func TestSpendCapSequence(t *testing.T) {
	a := NewMemoryAuthorizer(testRateConfig(), 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := a.Authorize(ctx, "client-a", "text", 1); !d.OK {
			t.Fatalf("text %d rejected", i+1)
		}
	}
	if d, _ := a.Authorize(ctx, "client-a", "media", 3); !d.OK {
		t.Fatalf("image rejected")
	}

	decision, _ := a.Authorize(ctx, "client-a", "media", 6)
	if decision.OK {
		t.Fatalf("video should exceed the 10 point cap")
	}
	if decision.Reason != ReasonSpendCapExceeded {
		t.Fatalf("reason = %s, want %s", decision.Reason, ReasonSpendCapExceeded)
	}
	if decision.DayUsed != 6 {
		t.Fatalf("day_used = %d, want 6 (debit rolled back)", decision.DayUsed)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > 24*time.Hour {
		t.Fatalf("retry_after = %v, want until the next UTC day", decision.RetryAfter)
	}

	// A cheaper call still fits under the cap.
	if d, _ := a.Authorize(ctx, "client-a", "media", 3); !d.OK {
		t.Fatalf("3 point call should still fit (6+3 <= 10)")
	}
}

func TestReset(t *testing.T) {
	a := NewMemoryAuthorizer(testRateConfig(), 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.Authorize(ctx, "client-a", "text", 1)
	}
	if d, _ := a.Authorize(ctx, "client-a", "text", 1); d.OK {
		t.Fatalf("expected window to be exhausted")
	}
	if err := a.Reset(ctx, "client-a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := a.Authorize(ctx, "client-a", "text", 1); !d.OK {
		t.Fatalf("expected fresh window after reset")
	}
}

func TestWindowRollover(t *testing.T) {
	a := NewMemoryAuthorizer(testRateConfig(), 1000)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.Authorize(ctx, "client-a", "text", 1)
	}
	if d, _ := a.Authorize(ctx, "client-a", "text", 1); d.OK {
		t.Fatalf("window should be full")
	}

	a.now = func() time.Time { return base.Add(61 * time.Second) }
	if d, _ := a.Authorize(ctx, "client-a", "text", 1); !d.OK {
		t.Fatalf("next window should admit again")
	}
}
