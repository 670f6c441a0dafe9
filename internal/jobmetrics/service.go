// Package jobmetrics answers "what did this job consume over this period" by
// combining scheduler job metadata with metrics backend series.
package jobmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/apperr"
	"github.com/cam3ron2/jobmetrics/internal/authcache"
	"github.com/cam3ron2/jobmetrics/internal/influx"
	"github.com/cam3ron2/jobmetrics/internal/job"
	"github.com/cam3ron2/jobmetrics/internal/jobdata"
	"github.com/cam3ron2/jobmetrics/internal/scheduler"
	"github.com/cam3ron2/jobmetrics/internal/telemetry"
	"go.uber.org/zap"
)

const unknownClusterLabel = "unknown"

// CacheStore opens locked per-cluster auth cache sessions.
type CacheStore interface {
	Begin(ctx context.Context, cluster string) (*authcache.Session, func(), error)
}

// Recorder receives request, login and upstream observations.
type Recorder interface {
	ObserveRequest(cluster, result string)
	ObserveLogin(cluster, result string)
	UpstreamObserver(cluster string) telemetry.ObserveFunc
}

// Dependencies wires the service.
type Dependencies struct {
	Clusters      []scheduler.Config
	Cache         CacheStore
	SchedulerDoer scheduler.HTTPDoer
	Metrics       jobdata.Querier
	// Recorder is optional.
	Recorder Recorder
}

// Service is the request boundary used by the HTTP layer.
type Service struct {
	clusters   map[string]scheduler.Config
	cache      CacheStore
	doer       scheduler.HTTPDoer
	aggregator *jobdata.Aggregator
	recorder   Recorder
	logger     *zap.Logger
}

// NewService creates the service.
func NewService(deps Dependencies, logger ...*zap.Logger) *Service {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	clusters := make(map[string]scheduler.Config, len(deps.Clusters))
	for _, cluster := range deps.Clusters {
		clusters[cluster.Cluster] = cluster
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		clusters:   clusters,
		cache:      deps.Cache,
		doer:       deps.SchedulerDoer,
		aggregator: jobdata.NewAggregator(deps.Metrics),
		recorder:   recorder,
		logger:     baseLogger,
	}
}

// HasCluster reports whether cluster is configured.
func (s *Service) HasCluster(cluster string) bool {
	_, ok := s.clusters[cluster]
	return ok
}

// ClusterCount returns the number of configured clusters.
func (s *Service) ClusterCount() int {
	return len(s.clusters)
}

// GetJobMetrics returns the metrics payload of jobID on cluster over period.
// The period is validated before any upstream call. The auth cache is only
// persisted once the job identity has been resolved.
func (s *Service) GetJobMetrics(ctx context.Context, cluster, jobID, period string) (jobdata.Result, error) {
	started := time.Now()
	result, err := s.getJobMetrics(ctx, cluster, jobID, period)

	label := cluster
	if !s.HasCluster(cluster) {
		label = unknownClusterLabel
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
	}
	s.recorder.ObserveRequest(label, outcome)

	if err != nil {
		s.logger.Info(
			"job metrics request failed",
			zap.String("cluster", cluster),
			zap.String("job_id", jobID),
			zap.String("period", period),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
	}
	return result, err
}

func (s *Service) getJobMetrics(ctx context.Context, cluster, jobID, rawPeriod string) (jobdata.Result, error) {
	// An unconfigured cluster is a client addressing error and maps to 404,
	// like an unknown job.
	clusterCfg, ok := s.clusters[cluster]
	if !ok {
		return jobdata.Result{}, apperr.NotFound("cluster %s not found", cluster)
	}
	period, err := influx.ParsePeriod(rawPeriod)
	if err != nil {
		return jobdata.Result{}, err
	}

	profiler := telemetry.NewProfiler(s.recorder.UpstreamObserver(cluster))
	defer func() {
		fields := []zap.Field{
			zap.String("cluster", cluster),
			zap.String("job_id", jobID),
			zap.String("period", period.Range),
		}
		s.logger.Debug("job metrics request profile", append(fields, profiler.Fields()...)...)
	}()

	identity, err := s.resolveIdentity(ctx, clusterCfg, jobID, profiler)
	if err != nil {
		return jobdata.Result{}, err
	}
	return s.aggregator.Build(ctx, cluster, identity, period, profiler)
}

func (s *Service) resolveIdentity(
	ctx context.Context,
	clusterCfg scheduler.Config,
	jobID string,
	profiler *telemetry.Profiler,
) (job.Identity, error) {
	session, unlock, err := s.cache.Begin(ctx, clusterCfg.Cluster)
	if err != nil {
		return job.Identity{}, fmt.Errorf("open auth cache session: %w", err)
	}
	defer unlock()

	entry := session.Get(ctx, clusterCfg.Cluster)
	client := scheduler.NewClient(clusterCfg, s.doer, entry, s.logger)
	client.Profiler = profiler
	client.Logins = s.recorder

	identity, err := job.Resolve(ctx, client, jobID)
	if err != nil {
		return job.Identity{}, err
	}

	if err := session.Persist(ctx); err != nil {
		s.logger.Warn(
			"failed to persist auth cache",
			zap.String("cluster", clusterCfg.Cluster),
			zap.Error(err),
		)
	}
	return identity, nil
}

type noopRecorder struct{}

func (noopRecorder) ObserveRequest(string, string)                 {}
func (noopRecorder) ObserveLogin(string, string)                   {}
func (noopRecorder) UpstreamObserver(string) telemetry.ObserveFunc { return nil }
