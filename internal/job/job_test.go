package job

import (
	"context"
	"errors"
	"testing"

	"github.com/cam3ron2/jobmetrics/internal/apperr"
)

type fakeFetcher struct {
	job   map[string]any
	err   error
	calls int
}

func (f *fakeFetcher) FetchJob(_ context.Context, _ string) (map[string]any, error) {
	f.calls++
	return f.job, f.err
}

func TestResolve(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		fetcher   *fakeFetcher
		wantKind  apperr.Kind
		wantErr   bool
		wantState string
		wantNodes string
	}{
		{
			name:      "running_job",
			fetcher:   &fakeFetcher{job: map[string]any{"job_state": "RUNNING", "nodes": "cn[1-3]"}},
			wantState: "RUNNING",
			wantNodes: "cn[1-3]",
		},
		{
			name:      "pending_job_without_nodes",
			fetcher:   &fakeFetcher{job: map[string]any{"job_state": "PENDING", "nodes": ""}},
			wantState: "PENDING",
		},
		{
			name:      "absent_nodes",
			fetcher:   &fakeFetcher{job: map[string]any{"job_state": "PENDING"}},
			wantState: "PENDING",
		},
		{
			name:     "missing_state",
			fetcher:  &fakeFetcher{job: map[string]any{"nodes": "cn1"}},
			wantErr:  true,
			wantKind: apperr.KindProtocol,
		},
		{
			name:     "numeric_nodes",
			fetcher:  &fakeFetcher{job: map[string]any{"job_state": "RUNNING", "nodes": 3.0}},
			wantErr:  true,
			wantKind: apperr.KindProtocol,
		},
		{
			name:     "malformed_nodes",
			fetcher:  &fakeFetcher{job: map[string]any{"job_state": "RUNNING", "nodes": "cn[1-"}},
			wantErr:  true,
			wantKind: apperr.KindProtocol,
		},
		{
			name:     "fetch_error_passes_through",
			fetcher:  &fakeFetcher{err: apperr.NotFound("job ID 9 not found")},
			wantErr:  true,
			wantKind: apperr.KindNotFound,
		},
		{
			name:    "unclassified_fetch_error",
			fetcher: &fakeFetcher{err: errors.New("boom")},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Resolve(context.Background(), tc.fetcher, "9")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Resolve() expected error")
				}
				if kind := apperr.KindOf(err); kind != tc.wantKind {
					t.Fatalf("Resolve() error kind = %q, want %q", kind, tc.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if got.ID != "9" || got.State != tc.wantState {
				t.Fatalf("Resolve() = %+v, want id 9 state %s", got, tc.wantState)
			}
			if nodes := got.Nodes.String(); nodes != tc.wantNodes {
				t.Fatalf("Resolve().Nodes = %q, want %q", nodes, tc.wantNodes)
			}
			if tc.fetcher.calls != 1 {
				t.Fatalf("FetchJob calls = %d, want 1", tc.fetcher.calls)
			}
		})
	}
}
