package rate_limiting_backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRepository(t *testing.T) {
	tt := []struct {
		in   string
		repo Repository
		err  bool
	}{
		{in: "IN_MEMORY", repo: InMemory},
		{in: " redis ", repo: Redis},
		{in: "in_memory", repo: InMemory},
		{in: "", err: true},
		{in: "MEMCACHED", err: true},
	}

	for _, ts := range tt {
		t.Run(ts.in, func(t *testing.T) {
			repo, err := ParseRepository(ts.in)
			if ts.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ts.repo, repo)
		})
	}
}

func TestNew(t *testing.T) {
	_, client := newTestRedis(t)

	local, err := New(InMemory, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalBackend{}, local)

	remote, err := New(Redis, client, nil, WithPrefix("app:"))
	require.NoError(t, err)
	require.IsType(t, &RedisBackend{}, remote)
	assert.Equal(t, "app:", remote.(*RedisBackend).prefix)

	_, err = New(Redis, nil, nil)
	assert.Error(t, err)

	_, err = New(Repository("FILE"), nil, nil)
	assert.Error(t, err)
}
