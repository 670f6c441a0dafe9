// Package job resolves a job id into its state and declared node set.
package job

import (
	"context"

	"github.com/cam3ron2/jobmetrics/internal/apperr"
	"github.com/cam3ron2/jobmetrics/internal/nodeset"
)

// Fetcher returns the raw scheduler job object.
type Fetcher interface {
	FetchJob(ctx context.Context, jobID string) (map[string]any, error)
}

// Identity is what the scheduler knows about a job.
type Identity struct {
	ID    string
	State string
	Nodes nodeset.Set
}

// Resolve fetches jobID and reads its state and node list.
func Resolve(ctx context.Context, fetcher Fetcher, jobID string) (Identity, error) {
	raw, err := fetcher.FetchJob(ctx, jobID)
	if err != nil {
		return Identity{}, err
	}

	state, ok := raw["job_state"].(string)
	if !ok {
		return Identity{}, apperr.Protocol(nil, "job %s has no string job_state", jobID)
	}

	nodes := nodeset.New()
	switch value := raw["nodes"].(type) {
	case nil:
	case string:
		nodes, err = nodeset.Parse(value)
		if err != nil {
			return Identity{}, apperr.Protocol(err, "job %s has an invalid node list", jobID)
		}
	default:
		return Identity{}, apperr.Protocol(nil, "job %s nodes is %T, want string", jobID, value)
	}

	return Identity{
		ID:    jobID,
		State: state,
		Nodes: nodes,
	}, nil
}
