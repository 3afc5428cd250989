// Package source contains the price-source adapters and the retry/health
// wrapper the fusion engine drives them through.
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metal-sentinel/internal/domain"
)

// Adapter is one external price source. Fetch returns a single observation
// for one instrument; adapters report which instruments they can serve so
// the collector never calls a source for a metal it does not quote.
type Adapter interface {
	Name() string
	// Priority orders adapters within a metal's fetch plan; lower runs first.
	Priority() int
	// Reliability is the 0..100 score stamped onto observations and used by
	// fusion to pick a winner.
	Reliability() int
	Supports(metal string) bool
	Fetch(ctx context.Context, metal string) (domain.PriceObservation, error)
}

// RetryPolicy controls FetchWithRetry. Delay doubles after every failed
// attempt starting from BaseDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Health is a point-in-time snapshot of an adapter's recent behavior.
type Health struct {
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastError           string
}

// ErrorLogger records operational errors durably. Implemented by the config
// repository; a nil logger is allowed.
type ErrorLogger interface {
	LogError(ctx context.Context, component, message string) error
}

// Monitored wraps an Adapter with retry, backoff and failure bookkeeping.
type Monitored struct {
	Adapter

	policy RetryPolicy
	errlog ErrorLogger

	mu     sync.Mutex
	health Health

	sleep func(ctx context.Context, d time.Duration) error
}

func NewMonitored(a Adapter, policy RetryPolicy, errlog ErrorLogger) *Monitored {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Monitored{
		Adapter: a,
		policy:  policy,
		errlog:  errlog,
		sleep:   sleepCtx,
	}
}

// FetchWithRetry fetches with exponential backoff. All attempts failing
// counts as one consecutive failure for health purposes; any success resets
// the counter.
func (m *Monitored) FetchWithRetry(ctx context.Context, metal string) (domain.PriceObservation, error) {
	var lastErr error
	delay := m.policy.BaseDelay
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		obs, err := m.Fetch(ctx, metal)
		if err == nil {
			m.recordSuccess()
			return obs, nil
		}
		lastErr = err
		if attempt < m.policy.MaxAttempts {
			if err := m.sleep(ctx, delay); err != nil {
				m.recordFailure(ctx, metal, lastErr)
				return domain.PriceObservation{}, err
			}
			delay *= 2
		}
	}
	m.recordFailure(ctx, metal, lastErr)
	return domain.PriceObservation{}, fmt.Errorf("%s: %d attempts failed for %s: %w",
		m.Name(), m.policy.MaxAttempts, metal, lastErr)
}

func (m *Monitored) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *Monitored) recordSuccess() {
	m.mu.Lock()
	m.health.ConsecutiveFailures = 0
	m.health.LastSuccess = time.Now().UTC()
	m.health.LastError = ""
	m.mu.Unlock()
}

func (m *Monitored) recordFailure(ctx context.Context, metal string, err error) {
	m.mu.Lock()
	m.health.ConsecutiveFailures++
	m.health.LastError = err.Error()
	m.mu.Unlock()

	if m.errlog != nil {
		msg := fmt.Sprintf("fetch %s failed: %v", metal, err)
		_ = m.errlog.LogError(ctx, "source."+m.Name(), msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
