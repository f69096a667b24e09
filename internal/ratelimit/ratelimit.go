package ratelimit

import (
	"context"
	"time"
)

// Rejection reasons surfaced to the HTTP layer.
const (
	ReasonRateLimited      = "RateLimited"
	ReasonSpendCapExceeded = "SpendCapExceeded"
)

// Decision is the outcome of one admission check.
type Decision struct {
	OK         bool
	Reason     string
	RetryAfter time.Duration
	Cost       int
	DayUsed    int64
	Limit      int
}

// Authorizer admits or rejects a metered call based on the per-bucket fixed
// window and the client's daily point budget. Implementations share the same
// semantics: the window counter is incremented before the spend check and is
// not rolled back when the spend cap rejects — spend is the authoritative
// gate.
type Authorizer interface {
	Authorize(ctx context.Context, clientID, bucket string, costPoints int) (Decision, error)
	Reset(ctx context.Context, clientID string) error
}

// windowStart floors now to the bucket's fixed window.
func windowStart(now time.Time, windowSeconds int) int64 {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return now.Unix() / int64(windowSeconds)
}

// retryAfter is the time remaining until the current window closes.
func retryAfter(now time.Time, windowSeconds int) time.Duration {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	elapsed := now.Unix() % int64(windowSeconds)
	remaining := int64(windowSeconds) - elapsed
	if remaining < 1 {
		remaining = 1
	}
	return time.Duration(remaining) * time.Second
}

// dayKey is the UTC calendar day used for the spend ledger.
func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// untilNextDay is the Retry-After for spend rejections.
func untilNextDay(now time.Time) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(utc)
}
