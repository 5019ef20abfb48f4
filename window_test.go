package fixed_window_limiter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRecord(t *testing.T) {
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.Local)
	windowEnd := now.Add(time.Minute)

	tt := []struct {
		desc    string
		policy  *RatePolicy
		current *RateRecord
		res     *RateRecord
		persist bool
	}{
		{
			desc:    "starts a new window when the key is absent",
			policy:  &RatePolicy{Key: "test", Window: time.Minute, Limit: 3},
			current: nil,
			res:     &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: 2},
			persist: true,
		},
		{
			desc:    "decrements inside the window",
			policy:  &RatePolicy{Key: "test", Window: time.Minute, Limit: 3},
			current: &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: 2},
			res:     &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: 1},
			persist: true,
		},
		{
			desc:    "crossing the limit without block keeps the window expiry",
			policy:  &RatePolicy{Key: "test", Window: time.Minute, Limit: 3},
			current: &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: 0},
			res:     &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: -1},
			persist: true,
		},
		{
			desc:    "crossing the limit with block extends the expiry",
			policy:  &RatePolicy{Key: "test", Window: time.Minute, Limit: 1, BlockDuration: 2 * time.Minute},
			current: &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: 0},
			res:     &RateRecord{Key: "test", ExpiresAt: now.Add(2 * time.Minute), Remaining: -1},
			persist: true,
		},
		{
			desc:    "already exceeded records are returned untouched",
			policy:  &RatePolicy{Key: "test", Window: time.Minute, Limit: 1, BlockDuration: 2 * time.Minute},
			current: &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: -1},
			res:     &RateRecord{Key: "test", ExpiresAt: windowEnd, Remaining: -1},
			persist: false,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			var before RateRecord
			if ts.current != nil {
				before = *ts.current
			}

			res, persist := NextRecord(ts.policy, ts.current, now)

			assert.Equal(t, ts.res, res)
			assert.Equal(t, ts.persist, persist)
			if ts.current != nil {
				assert.Equal(t, before, *ts.current, "current record must not be mutated")
			}
		})
	}
}

func TestNextRecord_Sequence(t *testing.T) {
	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.Local)
	policy := &RatePolicy{Key: "test", Window: 24 * time.Hour, Limit: 3}

	var current *RateRecord
	for _, want := range []int64{2, 1, 0, -1, -1, -1} {
		current, _ = NextRecord(policy, current, now)
		assert.Equal(t, want, current.Remaining)
		assert.Equal(t, want < 0, current.Exceeded())
	}
}

func TestRatePolicy_Validate(t *testing.T) {
	tt := []struct {
		desc   string
		policy *RatePolicy
		valid  bool
	}{
		{desc: "valid", policy: &RatePolicy{Key: "k", Window: time.Second, Limit: 1}, valid: true},
		{desc: "valid with block", policy: &RatePolicy{Key: "k", Window: time.Second, Limit: 1, BlockDuration: time.Minute}, valid: true},
		{desc: "nil policy", policy: nil},
		{desc: "empty key", policy: &RatePolicy{Window: time.Second, Limit: 1}},
		{desc: "zero limit", policy: &RatePolicy{Key: "k", Window: time.Second}},
		{desc: "negative limit", policy: &RatePolicy{Key: "k", Window: time.Second, Limit: -3}},
		{desc: "zero window", policy: &RatePolicy{Key: "k", Limit: 1}},
		{desc: "negative block", policy: &RatePolicy{Key: "k", Window: time.Second, Limit: 1, BlockDuration: -time.Second}},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			err := ts.policy.Validate()
			if ts.valid {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy))
		})
	}
}
