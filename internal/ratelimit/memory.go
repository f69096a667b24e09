package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"provenance/internal/config"
)

// MemoryAuthorizer is the in-process implementation for single-instance
// deployments. Window counters expire lazily; the spend ledger keeps one
// decimal accumulator per client per UTC day.
type MemoryAuthorizer struct {
	rateCfg  config.RateLimitConfig
	dailyCap decimal.Decimal

	mu      sync.Mutex
	windows map[string]*windowCounter
	ledger  map[string]decimal.Decimal

	now func() time.Time
}

type windowCounter struct {
	start int64
	hits  int
}

func NewMemoryAuthorizer(rateCfg config.RateLimitConfig, dailyCapPoints int) *MemoryAuthorizer {
	return &MemoryAuthorizer{
		rateCfg:  rateCfg,
		dailyCap: decimal.NewFromInt(int64(dailyCapPoints)),
		windows:  map[string]*windowCounter{},
		ledger:   map[string]decimal.Decimal{},
		now:      time.Now,
	}
}

func (a *MemoryAuthorizer) Authorize(ctx context.Context, clientID, bucket string, costPoints int) (Decision, error) {
	now := a.now()
	bucketCfg := a.rateCfg.Bucket(bucket)
	start := windowStart(now, bucketCfg.WindowSeconds)
	key := clientID + ":" + bucket

	a.mu.Lock()
	defer a.mu.Unlock()

	counter := a.windows[key]
	if counter == nil || counter.start != start {
		counter = &windowCounter{start: start}
		a.windows[key] = counter
	}

	counter.hits++
	if counter.hits > bucketCfg.Requests {
		return Decision{
			OK:         false,
			Reason:     ReasonRateLimited,
			RetryAfter: retryAfter(now, bucketCfg.WindowSeconds),
			Cost:       costPoints,
			Limit:      bucketCfg.Requests,
		}, nil
	}

	ledgerKey := clientID + ":" + dayKey(now)
	cost := decimal.NewFromInt(int64(costPoints))
	next := a.ledger[ledgerKey].Add(cost)
	if next.GreaterThan(a.dailyCap) {
		// The window hit stands; only the debit is rolled back.
		return Decision{
			OK:         false,
			Reason:     ReasonSpendCapExceeded,
			RetryAfter: untilNextDay(now),
			Cost:       costPoints,
			DayUsed:    a.ledger[ledgerKey].IntPart(),
			Limit:      bucketCfg.Requests,
		}, nil
	}
	a.ledger[ledgerKey] = next

	return Decision{
		OK:      true,
		Cost:    costPoints,
		DayUsed: next.IntPart(),
		Limit:   bucketCfg.Requests,
	}, nil
}

// Reset clears all window counters and ledger entries for a client.
func (a *MemoryAuthorizer) Reset(ctx context.Context, clientID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := clientID + ":"
	for key := range a.windows {
		if strings.HasPrefix(key, prefix) {
			delete(a.windows, key)
		}
	}
	for key := range a.ledger {
		if strings.HasPrefix(key, prefix) {
			delete(a.ledger, key)
		}
	}
	return nil
}
