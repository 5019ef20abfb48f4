package rate_limiting_backends

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aryangodara/fixed_window_limiter"
)

var (
	_ fixed_window_limiter.RateLimiter = &LocalBackend{}
)

// LocalBackend keeps records in process memory.
//
// Consumptions for the same key are serialized by a per-key lock; different keys
// never wait on each other. Records carry no native expiry, so a found record
// is only used while its ExpiresAt is still ahead of the clock.
type LocalBackend struct {
	mu      sync.RWMutex
	records map[string]fixed_window_limiter.RateRecord
	locks   *keyLocks
	now     func() time.Time
	logger  *slog.Logger
}

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithLocalLogger sets the logger used by the janitor.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *LocalBackend) { l.logger = logger }
}

// NewLocalBackend creates an empty in-memory backend.
func NewLocalBackend(now func() time.Time, opts ...LocalOption) *LocalBackend {
	l := &LocalBackend{
		records: make(map[string]fixed_window_limiter.RateRecord),
		locks:   newKeyLocks(),
		now:     now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Consume performs one fixed window consumption for the policy key.
func (l *LocalBackend) Consume(_ context.Context, policy *fixed_window_limiter.RatePolicy) (*fixed_window_limiter.RateRecord, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.lock(policy.Key)
	defer unlock()

	now := l.now()
	next, persist := fixed_window_limiter.NextRecord(policy, l.live(policy.Key, now), now)
	if persist {
		l.mu.Lock()
		l.records[policy.Key] = *next
		l.mu.Unlock()
	}

	return next, nil
}

// live returns the record for key, or nil when there is none or it already lapsed.
func (l *LocalBackend) live(key string, now time.Time) *fixed_window_limiter.RateRecord {
	l.mu.RLock()
	record, ok := l.records[key]
	l.mu.RUnlock()

	if !ok || !record.ExpiresAt.After(now) {
		return nil
	}
	return &record
}

// Len returns the number of stored records, including lapsed ones not yet cleaned up.
func (l *LocalBackend) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Cleanup removes lapsed records and returns how many were dropped.
func (l *LocalBackend) Cleanup() int {
	now := l.now()

	l.mu.RLock()
	expired := make([]string, 0)
	for key, record := range l.records {
		if !record.ExpiresAt.After(now) {
			expired = append(expired, key)
		}
	}
	l.mu.RUnlock()

	removed := 0
	for _, key := range expired {
		unlock := l.locks.lock(key)
		// a consumer may have renewed the window since the scan
		if l.live(key, now) == nil {
			l.mu.Lock()
			if _, ok := l.records[key]; ok {
				delete(l.records, key)
				removed++
			}
			l.mu.Unlock()
		}
		unlock()
	}

	return removed
}

// StartJanitor removes lapsed records every interval until ctx is done.
func (l *LocalBackend) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if removed := l.Cleanup(); removed > 0 {
					l.logger.Debug("removed lapsed rate records", slog.Int("count", removed))
				}
			}
		}
	}()
}
