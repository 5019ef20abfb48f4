package fixed_window_limiter

import "time"

// NextRecord runs one fixed-window consumption against the live record for the policy key.
// current must be nil when the key has no live record; checking liveness is up to the backend.
// persist reports whether the returned record has to be written back.
func NextRecord(policy *RatePolicy, current *RateRecord, now time.Time) (next *RateRecord, persist bool) {
	if current == nil {
		return &RateRecord{
			Key:       policy.Key,
			ExpiresAt: now.Add(policy.Window),
			Remaining: policy.Limit - 1,
		}, true
	}

	next = &RateRecord{
		Key:       current.Key,
		ExpiresAt: current.ExpiresAt,
		Remaining: current.Remaining,
	}

	// already denied: leave the block period and the counter alone
	if next.Exceeded() {
		return next, false
	}

	next.Remaining--
	if next.Exceeded() && policy.BlockDuration > 0 {
		next.ExpiresAt = now.Add(policy.BlockDuration)
	}

	return next, true
}
