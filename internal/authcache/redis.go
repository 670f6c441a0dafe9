package authcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "jobmetrics/internal/authcache"

// releaseScript deletes the lock key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the lock key only while it still holds our token.
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

type redisCommander interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisConfig configures the Redis-backed cache and locker.
type RedisConfig struct {
	Namespace    string
	LockTTL      time.Duration
	PollInterval time.Duration
}

// RedisBackend stores one hash field per cluster holding the JSON record.
type RedisBackend struct {
	client    redisCommander
	namespace string
	logger    *zap.Logger
}

// NewRedisBackend creates a Redis-backed cache.
func NewRedisBackend(client redis.UniversalClient, cfg RedisConfig, logger ...*zap.Logger) *RedisBackend {
	return newRedisBackendFromCommander(client, cfg, logger...)
}

func newRedisBackendFromCommander(client redisCommander, cfg RedisConfig, logger ...*zap.Logger) *RedisBackend {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &RedisBackend{
		client:    client,
		namespace: namespaceOrDefault(cfg.Namespace),
		logger:    baseLogger,
	}
}

// Load reads every cluster record. Fields that do not decode are skipped.
func (b *RedisBackend) Load(ctx context.Context) (map[string]ClusterAuthState, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("redis auth cache is not initialized")
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.authcache_load")
	defer span.End()

	fields, err := b.client.HGetAll(ctx, b.hashKey()).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read auth cache hash: %w", err)
	}

	out := make(map[string]ClusterAuthState, len(fields))
	for cluster, raw := range fields {
		var state ClusterAuthState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			b.logger.Warn("skipping unparsable auth cache record", zap.String("cluster", cluster), zap.Error(err))
			continue
		}
		out[cluster] = state
	}
	span.SetAttributes(attribute.Int("authcache.records", len(out)))
	return out, nil
}

// Save writes the record of one cluster.
func (b *RedisBackend) Save(ctx context.Context, cluster string, state ClusterAuthState) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("redis auth cache is not initialized")
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "redis.authcache_save", trace.WithAttributes(
		attribute.String("cluster", cluster),
	))
	defer span.End()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal auth cache record: %w", err)
	}
	if err := b.client.HSet(ctx, b.hashKey(), cluster, string(payload)).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("write auth cache record: %w", err)
	}
	return nil
}

func (b *RedisBackend) hashKey() string {
	return b.namespace + ":authcache"
}

// RedisLocker holds a per-cluster lease in Redis so that several replicas
// sharing one cache serialize their updates. The lease is renewed every
// third of its TTL until released.
type RedisLocker struct {
	client       redisCommander
	namespace    string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger

	// NewToken is injected for deterministic tests.
	NewToken func() string
}

// NewRedisLocker creates a Redis lease locker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig, logger ...*zap.Logger) *RedisLocker {
	return newRedisLockerFromCommander(client, cfg, logger...)
}

func newRedisLockerFromCommander(client redisCommander, cfg RedisConfig, logger ...*zap.Logger) *RedisLocker {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &RedisLocker{
		client:       client,
		namespace:    namespaceOrDefault(cfg.Namespace),
		ttl:          ttl,
		pollInterval: poll,
		logger:       baseLogger,
		NewToken:     uuid.NewString,
	}
}

// Lock acquires the lease for cluster, polling until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, cluster string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redis locker is not initialized")
	}

	key := l.namespace + ":authcache:lock:" + cluster
	token := l.NewToken()
	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire auth cache lease: %w", err)
		}
		if acquired {
			return l.hold(key, token), nil
		}

		timer := time.NewTimer(l.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) hold(key, token string) func() {
	renewCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.keepAlive(renewCtx, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			l.release(key, token)
		})
	}
}

func (l *RedisLocker) keepAlive(ctx context.Context, key, token string) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, interval)
		renewed, err := l.client.Eval(renewCtx, renewScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			l.logger.Warn("failed to renew auth cache lease", zap.String("key", key), zap.Error(err))
		case renewed == 0:
			l.logger.Warn("auth cache lease lost before release", zap.String("key", key))
			return
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		l.logger.Warn("failed to release auth cache lease; it will expire", zap.String("key", key), zap.Error(err))
	}
}

func namespaceOrDefault(namespace string) string {
	if namespace == "" {
		return "jobmetrics"
	}
	return namespace
}
