package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/authcache"
	"github.com/cam3ron2/jobmetrics/internal/config"
	"github.com/cam3ron2/jobmetrics/internal/exporter"
	"github.com/cam3ron2/jobmetrics/internal/health"
	"github.com/cam3ron2/jobmetrics/internal/influx"
	"github.com/cam3ron2/jobmetrics/internal/jobmetrics"
	"github.com/cam3ron2/jobmetrics/internal/scheduler"
	"go.uber.org/zap"
)

const healthProbeTimeout = 2 * time.Second

// Runtime owns the process-wide components built from configuration.
type Runtime struct {
	cfg       *config.Config
	service   *jobmetrics.Service
	cache     *authcache.Store
	influx    *influx.Client
	metrics   *exporter.Metrics
	evaluator *health.StatusEvaluator
	backends  authCacheBackends
	logger    *zap.Logger
}

// NewRuntime builds the auth cache, the upstream clients and the service.
func NewRuntime(cfg *config.Config, logger ...*zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	clusters, err := schedulerConfigs(cfg.Clusters)
	if err != nil {
		return nil, err
	}

	backends := newAuthCacheBackends(cfg.Cache, baseLogger)
	cache := authcache.NewStore(backends.backend, backends.locker, baseLogger)
	metrics := exporter.NewMetrics(cache, exporter.CacheConfig{
		RefreshInterval: cfg.Cache.MetricsRefreshInterval,
	})
	httpClient := &http.Client{}
	influxClient := influx.NewClient(influx.Config{
		BaseURL:        cfg.InfluxDB.Server,
		Database:       cfg.InfluxDB.DB,
		RequestTimeout: cfg.InfluxDB.RequestTimeout,
	}, httpClient, baseLogger)

	service := jobmetrics.NewService(jobmetrics.Dependencies{
		Clusters:      clusters,
		Cache:         cache,
		SchedulerDoer: httpClient,
		Metrics:       influxClient,
		Recorder:      metrics,
	}, baseLogger)

	baseLogger.Info(
		"runtime initialized",
		zap.String("cache_backend", backends.name),
		zap.Int("clusters", service.ClusterCount()),
	)

	return &Runtime{
		cfg:       cfg,
		service:   service,
		cache:     cache,
		influx:    influxClient,
		metrics:   metrics,
		evaluator: health.NewStatusEvaluator(),
		backends:  backends,
		logger:    baseLogger,
	}, nil
}

// Service exposes the job metrics service.
func (r *Runtime) Service() *jobmetrics.Service {
	return r.service
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(HandlerConfig{
		Jobs:           r.service,
		Metrics:        r.metrics.Handler(),
		Health:         health.NewHandler(r),
		RequestTimeout: r.cfg.Server.RequestTimeout,
		Logger:         r.logger,
	})
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	metricsHealthy := true
	if err := r.influx.Ping(probeCtx); err != nil {
		r.logger.Debug("metrics backend ping failed", zap.Error(err))
		metricsHealthy = false
	}
	return r.evaluator.Evaluate(health.Input{
		CacheBackend:          r.backends.name,
		AuthCacheHealthy:      r.cache.Healthy(probeCtx),
		AuthCacheFallback:     r.backends.fallback,
		ClustersConfigured:    r.service.ClusterCount(),
		MetricsBackendHealthy: metricsHealthy,
	})
}

// Close releases backend connections.
func (r *Runtime) Close() error {
	if r.backends.close == nil {
		return nil
	}
	return r.backends.close()
}

func schedulerConfigs(clusters []config.ClusterConfig) ([]scheduler.Config, error) {
	out := make([]scheduler.Config, 0, len(clusters))
	for _, cluster := range clusters {
		mode, err := scheduler.ParseLoginMode(cluster.LoginMode)
		if err != nil {
			return nil, fmt.Errorf("cluster %s: %w", cluster.Name, err)
		}
		out = append(out, scheduler.Config{
			Cluster: cluster.Name,
			BaseURL: cluster.API,
			Mode:    mode,
			Credentials: scheduler.Credentials{
				Login:    cluster.Login,
				Password: cluster.Password,
			},
			AuthEnabled:    cluster.AuthEnabled,
			RequestTimeout: cluster.RequestTimeout,
		})
	}
	return out, nil
}
