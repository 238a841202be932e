package limiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend runs a window Script atomically inside Redis, so every
// instance sharing the Redis deployment enforces the same budget per key.
type RedisBackend struct {
	mu        sync.RWMutex
	client    redis.UniversalClient
	ownClient bool
	scriptSHA string
	source    string

	injected  redis.UniversalClient
	url       string
	script    Script
	keyPrefix string
	timeout   time.Duration
	fallback  fallbackPolicy
	logger    *zap.Logger
	recorder  MetricsRecorder
	clock     Clock
}

// NewRedisBackend constructs a disconnected RedisBackend. Pass either
// WithRedisClient or WithRedisURL; the sliding window script is used unless
// WithScript says otherwise.
func NewRedisBackend(opts ...Option) *RedisBackend {
	o := buildOptions(opts)
	o.logger = o.logger.Named("redis")
	return &RedisBackend{
		injected:  o.client,
		url:       o.redisURL,
		script:    o.script,
		keyPrefix: o.keyPrefix,
		timeout:   o.timeout,
		fallback:  newFallbackPolicy("redis", o),
		logger:    o.logger,
		recorder:  o.recorder,
		clock:     o.clock,
	}
}

// Connect resolves the client and uploads the script. It fails with
// ErrScriptLoadFailed when the script cannot be read or loaded.
func (r *RedisBackend) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil && r.scriptSHA != "" {
		return nil
	}

	client, own, err := r.resolveClient()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrScriptLoadFailed, err)
	}
	release := func() {
		if own {
			_ = client.Close()
		}
	}

	source, err := r.script.Source()
	if err != nil {
		release()
		return fmt.Errorf("%w: %w", ErrScriptLoadFailed, err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	sha, err := client.ScriptLoad(loadCtx, source).Result()
	if err != nil {
		release()
		r.logger.Error("failed to load script", zap.String("script", r.script.Name()), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrScriptLoadFailed, r.script.Name(), err)
	}

	r.client = client
	r.ownClient = own
	r.scriptSHA = sha
	r.source = source
	r.logger.Debug("script loaded", zap.String("script", r.script.Name()), zap.String("sha", sha))
	return nil
}

func (r *RedisBackend) resolveClient() (redis.UniversalClient, bool, error) {
	if r.injected != nil {
		return r.injected, false, nil
	}
	if r.url == "" {
		return nil, false, errors.New("redis: no client or url configured")
	}
	if !strings.Contains(r.url, "://") {
		return redis.NewClient(&redis.Options{Addr: r.url}), true, nil
	}
	opt, err := redis.ParseURL(r.url)
	if err != nil {
		return nil, false, fmt.Errorf("redis: parse url: %w", err)
	}
	return redis.NewClient(opt), true, nil
}

// Disconnect drops the script reference and closes the client if this
// backend created it.
func (r *RedisBackend) Disconnect(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.client != nil && r.ownClient {
		err = r.client.Close()
	}
	r.client = nil
	r.ownClient = false
	r.scriptSHA = ""
	if err != nil {
		return fmt.Errorf("redis: close client: %w", err)
	}
	r.logger.Debug("redis backend disconnected")
	return nil
}

// IsConnected reports whether a client is held and the script is loaded.
func (r *RedisBackend) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client != nil && r.scriptSHA != ""
}

// Check evaluates the script for key. When Redis cannot be reached the
// fallback mode decides the outcome instead of returning the error.
func (r *RedisBackend) Check(ctx context.Context, key string, limit Limit) (Decision, error) {
	r.mu.RLock()
	client, sha := r.client, r.scriptSHA
	r.mu.RUnlock()
	if client == nil || sha == "" {
		return Decision{}, fmt.Errorf("redis: %w", ErrNotConnected)
	}

	start := time.Now()
	now := r.clock.Now()
	res, err := r.eval(ctx, client, sha, key, limit, now)
	r.recorder.Observe(MetricLatency, time.Since(start).Seconds(), map[string]string{"backend": "redis"})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, fmt.Errorf("redis: check %q: %w", key, ctxErr)
		}
		if isStoreUnavailable(err) {
			r.logger.Error("redis unavailable", zap.String("key", key), zap.Error(err))
			return r.fallback.apply(fmt.Errorf("%w: %w", ErrStoreUnavailable, err), key, limit, now)
		}
		return Decision{}, fmt.Errorf("redis: evaluate %s: %w", r.script.Name(), err)
	}

	retryAfterMs, current, err := parseScriptResult(res)
	if err != nil {
		return Decision{}, err
	}

	remaining := limit.Times() - current
	if remaining < 0 {
		remaining = 0
	}
	dec := Decision{
		Allow:     true,
		Limit:     limit.Times(),
		Remaining: remaining,
	}
	if retryAfterMs > 0 {
		retry := time.Duration(retryAfterMs) * time.Millisecond
		dec.Allow = false
		dec.RetryAfter = retry
		dec.ResetTime = now.Add(retry)
	}

	r.recorder.Add(MetricCall, 1, map[string]string{"backend": "redis", "result": resultTag(dec)})
	return dec, nil
}

func (r *RedisBackend) eval(ctx context.Context, client redis.UniversalClient, sha, key string, limit Limit, now time.Time) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	keys := []string{r.keyPrefix + key}
	args := append([]interface{}{limit.Times(), limit.WindowMillis()}, r.script.Args(now)...)

	res, err := client.EvalSha(callCtx, sha, keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		if sha, err = r.reload(callCtx, client); err != nil {
			return nil, err
		}
		res, err = client.EvalSha(callCtx, sha, keys, args...).Result()
	}
	return res, err
}

// reload uploads the script again after Redis lost its script cache
// (restart or SCRIPT FLUSH).
func (r *RedisBackend) reload(ctx context.Context, client redis.UniversalClient) (string, error) {
	r.mu.RLock()
	source := r.source
	r.mu.RUnlock()

	sha, err := client.ScriptLoad(ctx, source).Result()
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.client == client {
		r.scriptSHA = sha
	}
	r.mu.Unlock()
	r.logger.Info("script reloaded after NOSCRIPT", zap.String("sha", sha))
	return sha, nil
}

// isStoreUnavailable reports whether err means Redis could not be reached or
// cannot serve requests right now, as opposed to a bad command or reply.
func isStoreUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, prefix := range []string{"LOADING", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN"} {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	return strings.HasPrefix(err.Error(), "redis: connection pool")
}

// Compile-time interface verification.
var _ Backend = (*RedisBackend)(nil)
