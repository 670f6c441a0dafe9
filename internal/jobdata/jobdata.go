// Package jobdata turns raw per-node metrics into the per-job payload: one
// row per timestamp with a derived idle CPU value, plus node reconciliation.
package jobdata

import (
	"context"

	"github.com/cam3ron2/jobmetrics/internal/influx"
	"github.com/cam3ron2/jobmetrics/internal/job"
	"github.com/cam3ron2/jobmetrics/internal/telemetry"
)

// CanonicalMetrics is the fixed metric list requested for every job.
var CanonicalMetrics = []string{"cpus", "cpu-user", "cpu-system", "memory-pss"}

// IdleIndex is where the derived idle value lands in every row.
const IdleIndex = 3

// Querier runs the fixed metrics query.
type Querier interface {
	Query(
		ctx context.Context,
		cluster string,
		jobID string,
		metrics []string,
		period influx.Period,
		profiler *telemetry.Profiler,
	) (influx.Result, error)
}

// Summary reconciles the declared node set against the nodes that reported.
type Summary struct {
	Producers string `json:"producers"`
	Nodes     string `json:"nodes"`
	Mutes     string `json:"mutes"`
}

// Result is the JSON payload returned for a job.
type Result struct {
	Data map[string][]float64 `json:"data"`
	Job  Summary              `json:"job"`
}

// Aggregator builds job payloads.
type Aggregator struct {
	querier Querier
}

// NewAggregator creates an aggregator over querier.
func NewAggregator(querier Querier) *Aggregator {
	return &Aggregator{querier: querier}
}

// Build queries the canonical metrics for identity over period. Query errors
// are returned unchanged.
func (a *Aggregator) Build(
	ctx context.Context,
	cluster string,
	identity job.Identity,
	period influx.Period,
	profiler *telemetry.Profiler,
) (Result, error) {
	queried, err := a.querier.Query(ctx, cluster, identity.ID, CanonicalMetrics, period, profiler)
	if err != nil {
		return Result{}, err
	}

	StackIdle(queried.Rows)
	mutes := identity.Nodes.Difference(queried.Producers)

	summary := Summary{
		Producers: queried.Producers.String(),
		Nodes:     identity.Nodes.String(),
		Mutes:     mutes.String(),
	}
	profiler.Meta("producers", summary.Producers)
	profiler.Meta("nodes", summary.Nodes)
	profiler.Meta("mutes", summary.Mutes)

	data := make(map[string][]float64, len(queried.Rows))
	for timestamp, row := range queried.Rows {
		data[timestamp] = row
	}
	return Result{Data: data, Job: summary}, nil
}

// StackIdle inserts cpus*100 - cpu-user - cpu-system at IdleIndex of every
// row. Rows must follow CanonicalMetrics order.
func StackIdle(rows influx.Rows) {
	for timestamp, values := range rows {
		idle := values[0]*100 - values[1] - values[2]
		stacked := make([]float64, 0, len(values)+1)
		stacked = append(stacked, values[:IdleIndex]...)
		stacked = append(stacked, idle)
		stacked = append(stacked, values[IdleIndex:]...)
		rows[timestamp] = stacked
	}
}
