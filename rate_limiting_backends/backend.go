package rate_limiting_backends

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aryangodara/fixed_window_limiter"
	"github.com/redis/go-redis/v9"
)

// Repository names a built-in backend.
type Repository string

const (
	InMemory Repository = "IN_MEMORY"
	Redis    Repository = "REDIS"
)

// ParseRepository accepts the repository names case-insensitively.
func ParseRepository(s string) (Repository, error) {
	switch repo := Repository(strings.ToUpper(strings.TrimSpace(s))); repo {
	case InMemory, Redis:
		return repo, nil
	default:
		return "", fmt.Errorf("unsupported rate limit repository: %q", s)
	}
}

// New builds the backend selected by repo. client is only used, and required, for Redis.
func New(repo Repository, client *redis.Client, logger *slog.Logger, opts ...RedisOption) (fixed_window_limiter.RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch repo {
	case InMemory:
		return NewLocalBackend(time.Now, WithLocalLogger(logger)), nil
	case Redis:
		if client == nil {
			return nil, errors.New("redis repository requires a redis client")
		}
		opts = append([]RedisOption{WithRedisLogger(logger)}, opts...)
		return NewRedisBackend(client, time.Now, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit repository: %q", string(repo))
	}
}
