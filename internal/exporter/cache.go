package exporter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/authcache"
	"github.com/prometheus/client_golang/prometheus"
)

const stateReadTimeout = 5 * time.Second

// AuthStateReader reads every cached cluster authentication state.
type AuthStateReader interface {
	Snapshot(ctx context.Context) (map[string]authcache.ClusterAuthState, error)
}

// CacheConfig configures how often /metrics rereads the auth cache backend.
type CacheConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

type cachedStateReader struct {
	source          AuthStateReader
	refreshInterval time.Duration
	now             func() time.Time

	mu          sync.RWMutex
	initialized bool
	lastRefresh time.Time
	states      map[string]authcache.ClusterAuthState
}

// NewCachedStateReader wraps source so that scrapes reread it at most once
// per refresh interval. A failed reread keeps serving the previous states.
func NewCachedStateReader(source AuthStateReader, cfg CacheConfig) AuthStateReader {
	if _, alreadyCached := source.(*cachedStateReader); alreadyCached {
		return source
	}

	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &cachedStateReader{
		source:          source,
		refreshInterval: refreshInterval,
		now:             nowFn,
		states:          make(map[string]authcache.ClusterAuthState),
	}
}

func (c *cachedStateReader) Snapshot(ctx context.Context) (map[string]authcache.ClusterAuthState, error) {
	if err := c.refreshIfNeeded(ctx); err != nil && !c.isInitialized() {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]authcache.ClusterAuthState, len(c.states))
	for cluster, state := range c.states {
		out[cluster] = state.Clone()
	}
	return out, nil
}

func (c *cachedStateReader) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *cachedStateReader) refreshIfNeeded(ctx context.Context) error {
	now := c.now()

	c.mu.RLock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		return nil
	}

	states, err := c.source.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.states = states
	c.lastRefresh = now
	c.initialized = true
	return nil
}

var tokenCachedDesc = prometheus.NewDesc(
	"jobmetrics_auth_cache_token_cached",
	"Whether a scheduler API token is cached for the cluster.",
	[]string{"cluster"},
	nil,
)

type authStateCollector struct {
	reader AuthStateReader
}

func (c *authStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tokenCachedDesc
}

func (c *authStateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), stateReadTimeout)
	defer cancel()

	states, err := c.reader.Snapshot(ctx)
	if err != nil {
		return
	}

	clusters := make([]string, 0, len(states))
	for cluster := range states {
		clusters = append(clusters, cluster)
	}
	sort.Strings(clusters)

	for _, cluster := range clusters {
		value := 0.0
		if states[cluster].Token != nil {
			value = 1
		}
		metric, err := prometheus.NewConstMetric(tokenCachedDesc, prometheus.GaugeValue, value, cluster)
		if err != nil {
			continue
		}
		ch <- metric
	}
}
