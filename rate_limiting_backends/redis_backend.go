package rate_limiting_backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aryangodara/fixed_window_limiter"
	"github.com/redis/go-redis/v9"
)

var (
	_ fixed_window_limiter.RateLimiter = &RedisBackend{}
)

const (
	fieldExpiresAt = "expires_at"
	fieldRemaining = "remaining"

	defaultPrefix         = "ratelimit:"
	defaultMaxRetries     = 5
	defaultLockLease      = 2 * time.Second
	defaultLockPoll       = 5 * time.Millisecond
	defaultReleaseTimeout = time.Second
)

var (
	errMalformedRecord = errors.New("malformed rate record")
	errRecordVanished  = errors.New("rate record expired during update")
)

// storeRecord results.
const (
	storeLockLost = -1
	storeVanished = 0
	storeWritten  = 1
)

// storeRecord writes a record and its TTL in one step.
// KEYS: record, optional lock. ARGV: expires_at, remaining, ttl in ms,
// whether the record must still exist, lock token.
var storeRecord = redis.NewScript(`
if KEYS[2] and redis.call("GET", KEYS[2]) ~= ARGV[5] then
	return -1
end
if ARGV[4] == "1" and redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "expires_at", ARGV[1], "remaining", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// Coordination selects how concurrent consumers of the same key are serialized.
type Coordination int

const (
	// LockCoordination guards every read-modify-write with a leased lock stored in Redis.
	LockCoordination Coordination = iota
	// OptimisticCoordination uses WATCH/MULTI/EXEC and retries when the record changed underneath.
	OptimisticCoordination
)

// RedisBackend keeps records as Redis hashes whose TTL matches the record expiry,
// so a missing key is the only way a record can be absent.
type RedisBackend struct {
	client         *redis.Client
	now            func() time.Time
	logger         *slog.Logger
	prefix         string
	coordination   Coordination
	maxRetries     int
	lockLease      time.Duration
	lockPoll       time.Duration
	releaseTimeout time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithPrefix sets the prefix of every key written to Redis (default "ratelimit:").
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisBackend) { r.prefix = prefix }
}

// WithCoordination selects lock based or optimistic updates.
func WithCoordination(c Coordination) RedisOption {
	return func(r *RedisBackend) { r.coordination = c }
}

// WithMaxRetries bounds how often an update is retried after losing a race or
// finding its record expired before the write. Negative values count as zero.
func WithMaxRetries(n int) RedisOption {
	return func(r *RedisBackend) { r.maxRetries = n }
}

// WithLockLease sets how long a lock survives a holder that never releases it.
// A holder still working when the lease runs out gets ErrConcurrencyConflict
// instead of writing, so the lease must exceed one read-modify-write.
func WithLockLease(d time.Duration) RedisOption {
	return func(r *RedisBackend) { r.lockLease = d }
}

// WithLockPollInterval sets how often a waiting consumer retries a taken lock.
func WithLockPollInterval(d time.Duration) RedisOption {
	return func(r *RedisBackend) { r.lockPoll = d }
}

// WithRedisLogger sets the logger used for lock and retry diagnostics.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *RedisBackend) { r.logger = logger }
}

// NewRedisBackend creates a Redis backed limiter. The client's lifecycle stays with the caller.
func NewRedisBackend(client *redis.Client, now func() time.Time, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{
		client:         client,
		now:            now,
		logger:         slog.Default(),
		prefix:         defaultPrefix,
		coordination:   LockCoordination,
		maxRetries:     defaultMaxRetries,
		lockLease:      defaultLockLease,
		lockPoll:       defaultLockPoll,
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	return r
}

// Consume performs one fixed window consumption for the policy key.
func (r *RedisBackend) Consume(ctx context.Context, policy *fixed_window_limiter.RatePolicy) (*fixed_window_limiter.RateRecord, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if r.coordination == OptimisticCoordination {
		return r.consumeOptimistic(ctx, policy)
	}
	return r.consumeLocked(ctx, policy)
}

func (r *RedisBackend) consumeLocked(ctx context.Context, policy *fixed_window_limiter.RatePolicy) (*fixed_window_limiter.RateRecord, error) {
	lock, err := r.acquire(ctx, policy.Key)
	if err != nil {
		return nil, err
	}
	defer r.release(ctx, lock)

	key := r.recordKey(policy.Key)
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		now := r.now()

		current, err := r.read(ctx, r.client, key, policy.Key)
		if err != nil {
			return nil, err
		}

		next, persist := fixed_window_limiter.NextRecord(policy, current, now)
		if !persist {
			return next, nil
		}

		stored, err := r.write(ctx, r.client, key, lock, current, next, now).Int()
		if err != nil {
			return nil, unavailable(ctx, err, "error writing rate record", policy.Key)
		}
		switch stored {
		case storeWritten:
			return next, nil
		case storeLockLost:
			return nil, fmt.Errorf("%w: lock lease for key %v ran out before the record was written", fixed_window_limiter.ErrConcurrencyConflict, policy.Key)
		}

		r.logger.Debug("rate record expired during update, starting over",
			slog.String("key", policy.Key), slog.Int("attempt", attempt+1))
	}

	return nil, fmt.Errorf("%w: key %v kept expiring during %d attempts", fixed_window_limiter.ErrConcurrencyConflict, policy.Key, r.maxRetries+1)
}

func (r *RedisBackend) consumeOptimistic(ctx context.Context, policy *fixed_window_limiter.RatePolicy) (*fixed_window_limiter.RateRecord, error) {
	key := r.recordKey(policy.Key)

	var next *fixed_window_limiter.RateRecord
	txf := func(tx *redis.Tx) error {
		now := r.now()

		current, err := r.read(ctx, tx, key, policy.Key)
		if err != nil {
			return err
		}

		var persist bool
		next, persist = fixed_window_limiter.NextRecord(policy, current, now)
		if !persist {
			return nil
		}

		var stored *redis.Cmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			stored = r.write(ctx, pipe, key, nil, current, next, now)
			return nil
		})
		if err != nil {
			return err
		}
		if n, _ := stored.Int(); n == storeVanished {
			return errRecordVanished
		}
		return nil
	}

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) && !errors.Is(err, errRecordVanished) {
			return nil, unavailable(ctx, err, "error updating rate record", policy.Key)
		}
		r.logger.Debug("rate record changed during update, retrying",
			slog.String("key", policy.Key), slog.Int("attempt", attempt+1))
	}

	return nil, fmt.Errorf("%w: key %v still contended after %d attempts", fixed_window_limiter.ErrConcurrencyConflict, policy.Key, r.maxRetries+1)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// read loads the record stored at key. Redis expires records on its own, so
// anything found is live.
func (r *RedisBackend) read(ctx context.Context, c hashReader, key, policyKey string) (*fixed_window_limiter.RateRecord, error) {
	values, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(ctx, err, "error reading rate record", policyKey)
	}
	if len(values) == 0 {
		return nil, nil
	}

	expiresAt, err := strconv.ParseInt(values[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: key %v has invalid %v: %w", errMalformedRecord, policyKey, fieldExpiresAt, err)
	}
	remaining, err := strconv.ParseInt(values[fieldRemaining], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: key %v has invalid %v: %w", errMalformedRecord, policyKey, fieldRemaining, err)
	}

	return &fixed_window_limiter.RateRecord{
		Key:       policyKey,
		ExpiresAt: time.Unix(0, expiresAt),
		Remaining: remaining,
	}, nil
}

// write stores next through storeRecord. The TTL is reset on every write, and
// a decrement never recreates a record that expired after it was read. With a
// lock the write only happens while the lock still carries its token.
func (r *RedisBackend) write(ctx context.Context, c redis.Scripter, key string, lock *redisLock, current, next *fixed_window_limiter.RateRecord, now time.Time) *redis.Cmd {
	keys := []string{key}
	token := ""
	if lock != nil {
		keys = append(keys, lock.key)
		token = lock.token
	}

	mustExist := 0
	if current != nil {
		mustExist = 1
	}

	return storeRecord.Eval(ctx, c, keys,
		next.ExpiresAt.UnixNano(),
		next.Remaining,
		ttlUntil(next.ExpiresAt, now).Milliseconds(),
		mustExist,
		token,
	)
}

func (r *RedisBackend) recordKey(key string) string {
	return r.prefix + key
}

// ttlUntil converts an expiry into a Redis TTL. Redis can't go below a millisecond.
func ttlUntil(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

// unavailable classifies a failed Redis call. A call cut short by the caller's
// context keeps the context error reachable even when the client reports a
// network timeout instead.
func unavailable(ctx context.Context, err error, msg, key string) error {
	if errors.Is(err, fixed_window_limiter.ErrBackendUnavailable) || errors.Is(err, errMalformedRecord) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return fmt.Errorf("%w: %s for key %v: %w", fixed_window_limiter.ErrBackendUnavailable, msg, key, err)
}
