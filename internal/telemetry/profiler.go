package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const profilerTracerName = "jobmetrics/internal/telemetry"

// ObserveFunc receives every stopped timer.
type ObserveFunc func(timer string, elapsed time.Duration)

// Profiler records named timers and free-form metadata for one request.
// A nil *Profiler is valid and records nothing.
type Profiler struct {
	mu       sync.Mutex
	timers   map[string]time.Duration
	metadata map[string]string
	observe  ObserveFunc

	// Now is injected for testability.
	Now func() time.Time
}

// NewProfiler creates an empty profiler. observe may be nil.
func NewProfiler(observe ObserveFunc) *Profiler {
	return &Profiler{
		timers:   make(map[string]time.Duration),
		metadata: make(map[string]string),
		observe:  observe,
		Now:      time.Now,
	}
}

// Start begins timer and returns the context to use inside it and the stop
// function. A timer already recorded keeps its first measurement. When
// dependency tracing is on, the timer also spans the work.
func (p *Profiler) Start(ctx context.Context, timer string) (context.Context, func()) {
	if p == nil {
		return ctx, func() {}
	}

	var span trace.Span
	if ShouldTraceDependencies() {
		ctx, span = otel.Tracer(profilerTracerName).Start(ctx, timer)
	}

	started := p.Now()
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			elapsed := p.Now().Sub(started)
			if span != nil {
				span.SetAttributes(attribute.Float64("jobmetrics.elapsed_seconds", elapsed.Seconds()))
				span.End()
			}

			p.mu.Lock()
			_, seen := p.timers[timer]
			if !seen {
				p.timers[timer] = elapsed
			}
			p.mu.Unlock()

			if !seen && p.observe != nil {
				p.observe(timer, elapsed)
			}
		})
	}
}

// Meta records a metadata value, replacing any previous one.
func (p *Profiler) Meta(key, value string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata[key] = value
}

// Timers returns a copy of the recorded timers.
func (p *Profiler) Timers() map[string]time.Duration {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]time.Duration, len(p.timers))
	for name, elapsed := range p.timers {
		out[name] = elapsed
	}
	return out
}

// Metadata returns a copy of the recorded metadata.
func (p *Profiler) Metadata() map[string]string {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, len(p.metadata))
	for key, value := range p.metadata {
		out[key] = value
	}
	return out
}

// Fields renders the profiler as zap fields in a stable order.
func (p *Profiler) Fields() []zap.Field {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	timerNames := make([]string, 0, len(p.timers))
	for name := range p.timers {
		timerNames = append(timerNames, name)
	}
	sort.Strings(timerNames)

	metaKeys := make([]string, 0, len(p.metadata))
	for key := range p.metadata {
		metaKeys = append(metaKeys, key)
	}
	sort.Strings(metaKeys)

	fields := make([]zap.Field, 0, len(timerNames)+len(metaKeys))
	for _, name := range timerNames {
		fields = append(fields, zap.Duration("timer."+name, p.timers[name]))
	}
	for _, key := range metaKeys {
		fields = append(fields, zap.String("meta."+key, p.metadata[key]))
	}
	return fields
}
