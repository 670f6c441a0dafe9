package exporter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/authcache"
)

type fakeStateSource struct {
	mu        sync.Mutex
	snapshots []map[string]authcache.ClusterAuthState
	err       error
	calls     int
}

func (f *fakeStateSource) Snapshot(_ context.Context) (map[string]authcache.ClusterAuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.snapshots) {
		idx = len(f.snapshots) - 1
	}
	return f.snapshots[idx], nil
}

func strPtr(value string) *string { return &value }

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()

	source := &fakeStateSource{snapshots: []map[string]authcache.ClusterAuthState{
		{
			"c1": {Token: strPtr("tok")},
			"c2": {},
		},
	}}
	metrics := NewMetrics(source, CacheConfig{})
	metrics.ObserveRequest("c1", "ok")
	metrics.ObserveRequest("c1", "ok")
	metrics.ObserveLogin("c1", "success")
	observe := metrics.UpstreamObserver("c1")
	observe("metrics_req", 250*time.Millisecond)
	observe("metrics_proc", time.Second)

	body := scrape(t, metrics.Handler())
	wantSubstrs := []string{
		`jobmetrics_requests_total{cluster="c1",result="ok"} 2`,
		`jobmetrics_auth_logins_total{cluster="c1",result="success"} 1`,
		`jobmetrics_upstream_duration_seconds_count{cluster="c1",upstream="influxdb"} 1`,
		`jobmetrics_auth_cache_token_cached{cluster="c1"} 1`,
		`jobmetrics_auth_cache_token_cached{cluster="c2"} 0`,
		"# EOF",
	}
	for _, substr := range wantSubstrs {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q:\n%s", substr, body)
		}
	}
	if strings.Contains(body, "metrics_proc") {
		t.Fatalf("metrics output exports non-upstream timer:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var metrics *Metrics
	metrics.ObserveRequest("c1", "ok")
	metrics.ObserveLogin("c1", "success")
	if metrics.UpstreamObserver("c1") != nil {
		t.Fatalf("UpstreamObserver() on nil metrics returned a hook")
	}
}

func TestCachedStateReaderRefresh(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	source := &fakeStateSource{snapshots: []map[string]authcache.ClusterAuthState{
		{"c1": {}},
		{"c1": {Token: strPtr("tok")}},
	}}
	readerTime := now
	reader := NewCachedStateReader(source, CacheConfig{
		RefreshInterval: time.Minute,
		Now:             func() time.Time { return readerTime },
	})

	first, err := reader.Snapshot(context.Background())
	if err != nil || first["c1"].Token != nil {
		t.Fatalf("first snapshot = %v, %v, want no token", first, err)
	}
	second, _ := reader.Snapshot(context.Background())
	if second["c1"].Token != nil {
		t.Fatalf("second snapshot = %v, want cached state without token", second)
	}

	readerTime = readerTime.Add(2 * time.Minute)
	third, _ := reader.Snapshot(context.Background())
	if third["c1"].Token == nil {
		t.Fatalf("third snapshot = %v, want refreshed token", third)
	}
	if source.calls != 2 {
		t.Fatalf("source calls = %d, want 2", source.calls)
	}
	if again := NewCachedStateReader(reader, CacheConfig{}); again != reader {
		t.Fatalf("NewCachedStateReader() rewrapped an already cached reader")
	}
}

func TestCachedStateReaderKeepsStatesOnError(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	source := &fakeStateSource{snapshots: []map[string]authcache.ClusterAuthState{
		{"c1": {Token: strPtr("tok")}},
	}}
	readerTime := now
	reader := NewCachedStateReader(source, CacheConfig{
		RefreshInterval: time.Minute,
		Now:             func() time.Time { return readerTime },
	})
	if _, err := reader.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot() unexpected error: %v", err)
	}

	source.mu.Lock()
	source.err = errors.New("redis down")
	source.mu.Unlock()
	readerTime = readerTime.Add(2 * time.Minute)

	got, err := reader.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() after failed refresh unexpected error: %v", err)
	}
	if got["c1"].Token == nil {
		t.Fatalf("Snapshot() = %v, want previous states", got)
	}
}

func TestCachedStateReaderFirstReadError(t *testing.T) {
	t.Parallel()

	reader := NewCachedStateReader(&fakeStateSource{err: errors.New("down")}, CacheConfig{})
	if _, err := reader.Snapshot(context.Background()); err == nil {
		t.Fatalf("Snapshot() expected error")
	}
}
