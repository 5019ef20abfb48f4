package fixed_window_limiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidPolicy is returned before any storage access when a policy can't be enforced.
	ErrInvalidPolicy = errors.New("invalid rate policy")

	// ErrBackendUnavailable is returned when the backing store could not be reached.
	// Callers must not treat it as an admission.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")

	// ErrConcurrencyConflict is returned when an optimistic update lost the race too many times.
	ErrConcurrencyConflict = errors.New("rate limit record modified concurrently")
)

// RatePolicy defines the limit being enforced for one request.
type RatePolicy struct {
	Key    string
	Window time.Duration
	Limit  int64
	// BlockDuration replaces the window expiry once the limit is exceeded. Zero disables it.
	BlockDuration time.Duration
}

// Validate reports whether the policy can be enforced.
func (p *RatePolicy) Validate() error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: policy is nil", ErrInvalidPolicy)
	case p.Key == "":
		return fmt.Errorf("%w: key must not be empty", ErrInvalidPolicy)
	case p.Limit < 1:
		return fmt.Errorf("%w: limit must be at least 1, got %d for key %v", ErrInvalidPolicy, p.Limit, p.Key)
	case p.Window <= 0:
		return fmt.Errorf("%w: window must be positive, got %v for key %v", ErrInvalidPolicy, p.Window, p.Key)
	case p.BlockDuration < 0:
		return fmt.Errorf("%w: block duration must not be negative, got %v for key %v", ErrInvalidPolicy, p.BlockDuration, p.Key)
	}
	return nil
}

// RateRecord is the counting state of one key.
type RateRecord struct {
	Key       string
	ExpiresAt time.Time
	// Remaining goes negative once the window is exhausted.
	Remaining int64
}

// Exceeded reports whether the consumption that produced the record must be denied.
func (r *RateRecord) Exceeded() bool {
	return r.Remaining < 0
}

// RateLimiter consumes one unit for the policy key and returns the resulting record.
// An exhausted window is reported through RateRecord.Exceeded, not an error.
type RateLimiter interface {
	Consume(ctx context.Context, policy *RatePolicy) (*RateRecord, error)
}
