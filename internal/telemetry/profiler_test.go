package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func TestClampRatio(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input float64
		want  float64
	}{
		{name: "below_zero", input: -0.25, want: 0},
		{name: "within_bounds", input: 0.42, want: 0.42},
		{name: "above_one", input: 1.25, want: 1},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := clampRatio(tc.input); got != tc.want {
				t.Fatalf("clampRatio(%v) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestNormalizeTraceMode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		want  string
	}{
		{input: "OFF", want: traceModeOff},
		{input: " detailed ", want: traceModeDetailed},
		{input: "errors", want: traceModeErrors},
		{input: "", want: traceModeSampled},
		{input: "bogus", want: traceModeSampled},
	}

	for _, tc := range testCases {
		if got := normalizeTraceMode(tc.input); got != tc.want {
			t.Fatalf("normalizeTraceMode(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestProfilerRecordsTimersAndMetadata(t *testing.T) {
	t.Parallel()

	observed := make(map[string]time.Duration)
	profiler := NewProfiler(func(timer string, elapsed time.Duration) {
		observed[timer] = elapsed
	})
	clock := &steppingClock{now: time.Unix(0, 0), step: 250 * time.Millisecond}
	profiler.Now = clock.Now

	_, stop := profiler.Start(context.Background(), "slurm_req")
	stop()
	stop()

	// A second run of the same timer keeps the first measurement.
	_, stopAgain := profiler.Start(context.Background(), "slurm_req")
	clock.Now()
	stopAgain()

	profiler.Meta("nodes", "cn[1-2]")
	profiler.Meta("nodes", "cn[1-3]")

	timers := profiler.Timers()
	if got := timers["slurm_req"]; got != 250*time.Millisecond {
		t.Fatalf("Timers()[slurm_req] = %v, want 250ms", got)
	}
	if len(observed) != 1 || observed["slurm_req"] != 250*time.Millisecond {
		t.Fatalf("observed = %v, want one 250ms slurm_req", observed)
	}
	if got := profiler.Metadata()["nodes"]; got != "cn[1-3]" {
		t.Fatalf("Metadata()[nodes] = %q, want cn[1-3]", got)
	}

	fields := profiler.Fields()
	if len(fields) != 2 {
		t.Fatalf("Fields() len = %d, want 2", len(fields))
	}
	if fields[0].Key != "timer.slurm_req" || fields[1].Key != "meta.nodes" {
		t.Fatalf("Fields() keys = %q, %q", fields[0].Key, fields[1].Key)
	}
}

func TestNilProfilerIsNoop(t *testing.T) {
	t.Parallel()

	var profiler *Profiler
	ctx := context.Background()
	gotCtx, stop := profiler.Start(ctx, "metrics_req")
	stop()
	profiler.Meta("k", "v")

	if gotCtx != ctx {
		t.Fatalf("Start() on nil profiler changed the context")
	}
	if profiler.Timers() != nil || profiler.Metadata() != nil || profiler.Fields() != nil {
		t.Fatalf("nil profiler returned data")
	}
}

func TestProfilerOpensSpansInDetailedMode(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	setTraceMode(traceModeDetailed)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		setTraceMode(traceModeOff)
		_ = provider.Shutdown(context.Background())
	})

	profiler := NewProfiler(nil)
	_, stop := profiler.Start(context.Background(), "metrics_req")
	stop()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "metrics_req" {
		t.Fatalf("span name = %q, want metrics_req", spans[0].Name())
	}
}
