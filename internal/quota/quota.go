// Package quota enforces per-API-key request, cost, and concurrency limits.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	gateway "github.com/pylonlabs/pylon/internal"
	"github.com/pylonlabs/pylon/internal/storage"
)

// Engine tracks live usage counters per API key and decides admission.
// Counters are held in memory and reseeded from the usage store the first
// time a key is seen, so restarts do not forget spend.
type Engine struct {
	store storage.UsageStore

	mu       sync.Mutex
	counters map[string]*keyCounters
}

// keyCounters is the live counter set for one key plus the UTC windows the
// daily and monthly counters cover. Rollover happens lazily on the first
// touch after a boundary.
type keyCounters struct {
	usage gateway.KeyUsage
	day   time.Time
	month time.Time
}

// New creates a quota engine backed by the given usage store.
func New(store storage.UsageStore) *Engine {
	return &Engine{store: store, counters: make(map[string]*keyCounters)}
}

// Admit evaluates every limit on the key and, when all pass, atomically
// increments the concurrent counter. The returned release func decrements it
// exactly once no matter how many times it is called; callers defer it so
// cancellation and completion paths cannot double-decrement.
func (e *Engine) Admit(ctx context.Context, key *gateway.APIKey) (func(), error) {
	if key.ExpiresInDays > 0 && time.Now().After(key.CreatedAt.AddDate(0, 0, key.ExpiresInDays)) {
		return nil, fmt.Errorf("%w: key expired %d days after creation", gateway.ErrKeyExpired, key.ExpiresInDays)
	}

	c, err := e.countersFor(ctx, key.ID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.rollover(time.Now().UTC())
	u := &c.usage

	switch {
	case key.DailyLimit > 0 && u.DailyRequests >= key.DailyLimit:
		return nil, reject("daily request limit", u.DailyRequests, key.DailyLimit)
	case key.MonthlyLimit > 0 && u.MonthlyRequests >= key.MonthlyLimit:
		return nil, reject("monthly request limit", u.MonthlyRequests, key.MonthlyLimit)
	case key.TotalLimit > 0 && u.TotalRequests >= key.TotalLimit:
		return nil, reject("total request limit", u.TotalRequests, key.TotalLimit)
	case key.DailyCostLimit > 0 && u.DailyCost >= key.DailyCostLimit:
		return nil, rejectCost("daily cost limit", u.DailyCost, key.DailyCostLimit)
	case key.MonthlyCostLimit > 0 && u.MonthlyCost >= key.MonthlyCostLimit:
		return nil, rejectCost("monthly cost limit", u.MonthlyCost, key.MonthlyCostLimit)
	case key.TotalCostLimit > 0 && u.TotalCost >= key.TotalCostLimit:
		return nil, rejectCost("total cost limit", u.TotalCost, key.TotalCostLimit)
	case key.ConcurrentLimit > 0 && u.CurrentConcurrent >= key.ConcurrentLimit:
		return nil, reject("concurrent request limit", u.CurrentConcurrent, key.ConcurrentLimit)
	}

	u.CurrentConcurrent++
	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c.usage.CurrentConcurrent > 0 {
				c.usage.CurrentConcurrent--
			}
		})
	}
	return release, nil
}

// Record adds a completed request to the key's counters.
func (e *Engine) Record(keyID string, costUSD float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.counters[keyID]
	if !ok {
		c = newCounters(time.Now().UTC())
		e.counters[keyID] = c
	}
	c.rollover(time.Now().UTC())
	c.usage.DailyRequests++
	c.usage.MonthlyRequests++
	c.usage.TotalRequests++
	c.usage.DailyCost += costUSD
	c.usage.MonthlyCost += costUSD
	c.usage.TotalCost += costUSD
}

// Usage returns a snapshot of the key's live counters, seeding from the
// store when the key has not been seen this process.
func (e *Engine) Usage(ctx context.Context, keyID string) (*gateway.KeyUsage, error) {
	c, err := e.countersFor(ctx, keyID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.rollover(time.Now().UTC())
	u := c.usage
	return &u, nil
}

// Resync replaces every tracked key's request and cost counters with fresh
// store totals. Live concurrent counts are preserved. Counters drift when
// usage records are dropped under back-pressure; periodic resync bounds the
// drift.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	keys := make([]string, 0, len(e.counters))
	for k := range e.counters {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, keyID := range keys {
		seeded, err := e.store.UsageTotals(ctx, keyID, dayStart(now), monthStart(now))
		if err != nil {
			return fmt.Errorf("resync key %s: %w", keyID, err)
		}
		e.mu.Lock()
		if c, ok := e.counters[keyID]; ok {
			concurrent := c.usage.CurrentConcurrent
			c.usage = *seeded
			c.usage.CurrentConcurrent = concurrent
			c.day = dayStart(now)
			c.month = monthStart(now)
		}
		e.mu.Unlock()
	}
	return nil
}

// Forget drops a key's in-memory counters, forcing a reseed on next use.
func (e *Engine) Forget(keyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, keyID)
}

// countersFor returns the key's counters, seeding from persisted usage on
// first sight. The store read happens outside the lock; a concurrent seeder
// losing the race discards its result.
func (e *Engine) countersFor(ctx context.Context, keyID string) (*keyCounters, error) {
	e.mu.Lock()
	c, ok := e.counters[keyID]
	e.mu.Unlock()
	if ok {
		return c, nil
	}

	now := time.Now().UTC()
	seeded, err := e.store.UsageTotals(ctx, keyID, dayStart(now), monthStart(now))
	if err != nil {
		return nil, fmt.Errorf("seed quota counters: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.counters[keyID]; ok {
		return c, nil
	}
	c = newCounters(now)
	c.usage = *seeded
	c.usage.CurrentConcurrent = 0
	e.counters[keyID] = c
	return c, nil
}

func newCounters(now time.Time) *keyCounters {
	return &keyCounters{day: dayStart(now), month: monthStart(now)}
}

// rollover resets the daily and monthly windows when now has crossed their
// boundaries. Caller holds the engine lock.
func (c *keyCounters) rollover(now time.Time) {
	if day := dayStart(now); !day.Equal(c.day) {
		c.day = day
		c.usage.DailyRequests = 0
		c.usage.DailyCost = 0
	}
	if month := monthStart(now); !month.Equal(c.month) {
		c.month = month
		c.usage.MonthlyRequests = 0
		c.usage.MonthlyCost = 0
	}
}

func dayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func reject(limit string, used, max int64) error {
	return fmt.Errorf("%w: %s reached (%d/%d)", gateway.ErrQuotaExceeded, limit, used, max)
}

func rejectCost(limit string, used, max float64) error {
	return fmt.Errorf("%w: %s reached ($%.4f/$%.4f)", gateway.ErrQuotaExceeded, limit, used, max)
}
