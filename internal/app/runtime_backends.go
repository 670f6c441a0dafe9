package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/authcache"
	"github.com/cam3ron2/jobmetrics/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheBackendFile   = "file"
	cacheBackendRedis  = "redis"
	cacheBackendMemory = "memory"
)

type authCacheBackends struct {
	name    string
	backend authcache.Backend
	locker  authcache.Locker
	close   func() error

	// fallback is set when the configured backend was replaced by a
	// process-local cache.
	fallback bool
}

func newAuthCacheBackends(cfg config.CacheConfig, logger *zap.Logger) authCacheBackends {
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), cacheBackendRedis) {
		client, err := newRedisClientFromConfig(cfg)
		if err != nil {
			logger.Warn("failed to initialize redis auth cache; falling back to in-memory cache", zap.Error(err))
			backends := newMemoryBackends()
			backends.fallback = true
			return backends
		}
		redisCfg := authcache.RedisConfig{
			Namespace: cfg.Namespace,
			LockTTL:   cfg.LockTTL,
		}
		return authCacheBackends{
			name:    cacheBackendRedis,
			backend: authcache.NewRedisBackend(client, redisCfg, logger),
			locker:  authcache.NewRedisLocker(client, redisCfg, logger),
			close:   client.Close,
		}
	}
	if strings.TrimSpace(cfg.Path) == "" {
		logger.Warn("auth cache path is empty; falling back to in-memory cache")
		backends := newMemoryBackends()
		backends.fallback = true
		return backends
	}
	return authCacheBackends{
		name:    cacheBackendFile,
		backend: authcache.NewFileBackend(cfg.Path, logger),
		locker:  authcache.NewMemoryLocker(),
		close:   func() error { return nil },
	}
}

func newMemoryBackends() authCacheBackends {
	return authCacheBackends{
		name:    cacheBackendMemory,
		backend: authcache.NewMemoryBackend(),
		locker:  authcache.NewMemoryLocker(),
		close:   func() error { return nil },
	}
}

func newRedisClientFromConfig(cfg config.CacheConfig) (redis.UniversalClient, error) {
	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterSet,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redisClient, nil
}
