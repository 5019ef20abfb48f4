package rate_limiting_backends

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// releaseLock deletes the lock only while it still carries our token, so a holder
// whose lease ran out can't release somebody else's lock.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLock struct {
	key   string
	token string
}

func (r *RedisBackend) lockKey(key string) string {
	return r.prefix + key + ":lock"
}

// acquire polls until the lock for key is taken or ctx is done.
func (r *RedisBackend) acquire(ctx context.Context, key string) (*redisLock, error) {
	lock := &redisLock{
		key:   r.lockKey(key),
		token: uuid.NewString(),
	}

	pacer := rate.NewLimiter(rate.Every(r.lockPoll), 1)
	for {
		if err := pacer.Wait(ctx); err != nil {
			return nil, unavailable(ctx, waitErr(ctx, err), "error waiting for lock", key)
		}

		acquired, err := r.client.SetNX(ctx, lock.key, lock.token, r.lockLease).Result()
		if err != nil {
			return nil, unavailable(ctx, err, "error acquiring lock", key)
		}
		if acquired {
			return lock, nil
		}
	}
}

// release runs even when the caller gave up; the lease covers the case where
// Redis can't be reached either.
func (r *RedisBackend) release(ctx context.Context, lock *redisLock) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.releaseTimeout)
	defer cancel()

	if err := releaseLock.Run(ctx, r.client, []string{lock.key}, lock.token).Err(); err != nil {
		r.logger.Warn("failed to release rate limit lock, waiting for lease to expire",
			slog.String("lock", lock.key),
			slog.Duration("lease", r.lockLease),
			slog.Any("error", err),
		)
	}
}

// waitErr maps the pacer error onto the context error. Wait gives up before the
// deadline when the next tick would land after it.
func waitErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return err
}
