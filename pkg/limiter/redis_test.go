package limiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestRedisBackend(t *testing.T, client redis.UniversalClient, opts ...Option) *RedisBackend {
	t.Helper()
	r := NewRedisBackend(append([]Option{WithRedisClient(client)}, opts...)...)
	require.NoError(t, r.Connect(context.Background()))
	t.Cleanup(func() { _ = r.Disconnect(context.Background()) })
	return r
}

func TestRedisBackend_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	clock := newFakeClock()
	r := newTestRedisBackend(t, client, WithClock(clock))
	limit := MustLimit(3, Window{Seconds: 60})

	for want := int64(2); want >= 0; want-- {
		dec, err := r.Check(ctx, "user_1", limit)
		require.NoError(t, err)
		assert.True(t, dec.Allow)
		assert.Equal(t, want, dec.Remaining)
		clock.Advance(time.Second)
	}

	dec, err := r.Check(ctx, "user_1", limit)
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Equal(t, int64(0), dec.Remaining)
	assert.Equal(t, 57*time.Second, dec.RetryAfter)
	assert.Equal(t, clock.Now().Add(57*time.Second), dec.ResetTime)

	clock.Advance(58 * time.Second)
	dec, err = r.Check(ctx, "user_1", limit)
	require.NoError(t, err)
	assert.True(t, dec.Allow, "oldest request has left the window")
}

func TestRedisBackend_SlidingWindow_SameMillisecond(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	r := newTestRedisBackend(t, client, WithClock(newFakeClock()))
	limit := MustLimit(2, Window{Seconds: 1})

	for i := 0; i < 2; i++ {
		dec, err := r.Check(ctx, "burst", limit)
		require.NoError(t, err)
		require.True(t, dec.Allow, "request %d", i)
	}
	dec, err := r.Check(ctx, "burst", limit)
	require.NoError(t, err)
	assert.False(t, dec.Allow, "requests in the same millisecond are each counted")
}

func TestRedisBackend_FixedWindow(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	r := newTestRedisBackend(t, client, WithScript(FixedWindowScript{}))
	limit := MustLimit(3, Window{Seconds: 60})

	for want := int64(2); want >= 0; want-- {
		dec, err := r.Check(ctx, "user_1", limit)
		require.NoError(t, err)
		assert.True(t, dec.Allow)
		assert.Equal(t, want, dec.Remaining)
	}

	dec, err := r.Check(ctx, "user_1", limit)
	require.NoError(t, err)
	assert.False(t, dec.Allow)
	assert.Equal(t, int64(0), dec.Remaining)
	assert.Equal(t, 60*time.Second, dec.RetryAfter)

	mr.FastForward(61 * time.Second)
	dec, err = r.Check(ctx, "user_1", limit)
	require.NoError(t, err)
	assert.True(t, dec.Allow, "counter expires with the window")
	assert.Equal(t, int64(2), dec.Remaining)
}

func TestRedisBackend_KeyPrefix(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	r := newTestRedisBackend(t, client, WithKeyPrefix("custom_app:"))

	_, err := r.Check(ctx, "ip:/ping", MustLimit(1, Window{Seconds: 1}))
	require.NoError(t, err)

	assert.True(t, mr.Exists("custom_app:ip:/ping"))
}

func TestRedisBackend_ScriptReload(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	r := newTestRedisBackend(t, client)
	limit := MustLimit(5, Window{Seconds: 10})

	_, err := r.Check(ctx, "k", limit)
	require.NoError(t, err)

	require.NoError(t, client.ScriptFlush(ctx).Err())

	dec, err := r.Check(ctx, "k", limit)
	require.NoError(t, err)
	assert.True(t, dec.Allow)
	assert.Equal(t, int64(3), dec.Remaining)
}

func TestRedisBackend_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("NotConnected", func(t *testing.T) {
		r := NewRedisBackend(WithRedisURL("localhost:0"))
		assert.False(t, r.IsConnected())
		_, err := r.Check(ctx, "k", MustLimit(1, Window{Seconds: 1}))
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("MissingScriptFile", func(t *testing.T) {
		_, client := newMiniredis(t)
		r := NewRedisBackend(WithRedisClient(client), WithScript(FileScript{Path: "testdata/missing.lua"}))
		err := r.Connect(ctx)
		assert.ErrorIs(t, err, ErrScriptLoadFailed)
		assert.False(t, r.IsConnected())
	})

	t.Run("NoClient", func(t *testing.T) {
		err := NewRedisBackend().Connect(ctx)
		assert.ErrorIs(t, err, ErrScriptLoadFailed)
	})

	t.Run("URL", func(t *testing.T) {
		mr, _ := newMiniredis(t)
		for _, url := range []string{mr.Addr(), "redis://" + mr.Addr()} {
			r := NewRedisBackend(WithRedisURL(url))
			require.NoError(t, r.Connect(ctx))
			assert.True(t, r.IsConnected())
			require.NoError(t, r.Disconnect(ctx))
			assert.False(t, r.IsConnected())
		}
	})

	t.Run("InjectedClientStaysOpen", func(t *testing.T) {
		_, client := newMiniredis(t)
		r := NewRedisBackend(WithRedisClient(client))
		require.NoError(t, r.Connect(ctx))
		require.NoError(t, r.Disconnect(ctx))
		assert.NoError(t, client.Ping(ctx).Err())
	})
}

func TestRedisBackend_Fallback(t *testing.T) {
	ctx := context.Background()
	limit := MustLimit(10, Window{Seconds: 1})

	tests := []struct {
		name  string
		mode  FallbackMode
		check func(t *testing.T, dec Decision, err error)
	}{
		{
			name: "Allow",
			mode: FallbackAllow,
			check: func(t *testing.T, dec Decision, err error) {
				require.NoError(t, err)
				assert.True(t, dec.Allow)
				assert.Equal(t, RemainingUnknown, dec.Remaining)
			},
		},
		{
			name: "Deny",
			mode: FallbackDeny,
			check: func(t *testing.T, dec Decision, err error) {
				require.NoError(t, err)
				assert.False(t, dec.Allow)
				assert.Equal(t, DefaultDenyRetryAfter, dec.RetryAfter)
				assert.Equal(t, int64(60000), dec.RetryAfterMillis())
			},
		},
		{
			name: "Raise",
			mode: FallbackRaise,
			check: func(t *testing.T, _ Decision, err error) {
				assert.ErrorIs(t, err, ErrStoreUnavailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, client := newMiniredis(t)
			r := newTestRedisBackend(t, client, WithFallbackMode(tt.mode), WithTimeout(500*time.Millisecond))
			mr.Close()

			dec, err := r.Check(ctx, "k", limit)
			tt.check(t, dec, err)
		})
	}
}

func TestRedisBackend_Integration(t *testing.T) {
	opts := &redis.Options{
		Addr: "localhost:6379",
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}

	t.Run("BasicFlow", func(t *testing.T) {
		r := newTestRedisBackend(t, client)
		key := fmt.Sprintf("it_test_%d", time.Now().UnixNano())
		limit := MustLimit(2, Window{Seconds: 1})

		dec, err := r.Check(ctx, key, limit)
		require.NoError(t, err)
		assert.True(t, dec.Allow)
		assert.Equal(t, int64(1), dec.Remaining)

		dec, err = r.Check(ctx, key, limit)
		require.NoError(t, err)
		assert.True(t, dec.Allow)

		dec, err = r.Check(ctx, key, limit)
		require.NoError(t, err)
		assert.False(t, dec.Allow)
		assert.Positive(t, dec.RetryAfter)
	})

	t.Run("DistributedState", func(t *testing.T) {
		key := fmt.Sprintf("dist_test_%d", time.Now().UnixNano())
		limit := MustLimit(1, Window{Seconds: 1})

		// Instance A consumes the budget
		a := newTestRedisBackend(t, client)
		_, err := a.Check(ctx, key, limit)
		require.NoError(t, err)

		// Instance B sees it
		b := newTestRedisBackend(t, client)
		dec, err := b.Check(ctx, key, limit)
		require.NoError(t, err)
		assert.False(t, dec.Allow, "instance B should see the request counted by instance A")
	})
}
