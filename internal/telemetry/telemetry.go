package telemetry

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var globalTraceMode atomic.Value

const (
	traceModeOff      = "off"
	traceModeErrors   = "errors"
	traceModeSampled  = "sampled"
	traceModeDetailed = "detailed"
)

// ErrorKindKey carries the classified failure kind of a request span.
const ErrorKindKey = attribute.Key("jobmetrics.error_kind")

// Config configures request tracing.
//
// Modes:
//   - off: no spans.
//   - errors: every request is recorded, only failed requests are exported.
//   - sampled: requests are sampled at TraceSampleRatio.
//   - detailed: every request and every upstream timer is exported.
type Config struct {
	Enabled          bool
	ServiceName      string
	TraceMode        string
	TraceSampleRatio float64

	// Exporter receives finished spans. Nil keeps spans in process only.
	Exporter sdktrace.SpanExporter
}

// Runtime contains initialized telemetry providers and lifecycle hooks.
type Runtime struct {
	TracerProvider *sdktrace.TracerProvider
	Shutdown       func(ctx context.Context) error
}

// Setup installs the global tracer provider for cfg.
func Setup(cfg Config) (Runtime, error) {
	provider, mode, err := newProvider(cfg)
	if err != nil {
		return Runtime{}, err
	}
	setTraceMode(mode)
	otel.SetTracerProvider(provider)

	return Runtime{
		TracerProvider: provider,
		Shutdown:       provider.Shutdown,
	}, nil
}

func newProvider(cfg Config) (*sdktrace.TracerProvider, string, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "jobmetrics"
	}

	mode := normalizeTraceMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = traceModeOff
	}

	resourceConfig, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, "", err
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(samplerForMode(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(resourceConfig),
	}
	if cfg.Exporter != nil && mode != traceModeOff {
		var processor sdktrace.SpanProcessor = sdktrace.NewBatchSpanProcessor(cfg.Exporter)
		if mode == traceModeErrors {
			processor = failedSpanFilter{next: processor}
		}
		options = append(options, sdktrace.WithSpanProcessor(processor))
	}
	return sdktrace.NewTracerProvider(options...), mode, nil
}

func samplerForMode(mode string, ratio float64) sdktrace.Sampler {
	switch normalizeTraceMode(mode) {
	case traceModeOff:
		return sdktrace.NeverSample()
	case traceModeDetailed, traceModeErrors:
		// Errors mode decides at span end, so every request has to record.
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(ratio)))
	}
}

// failedSpanFilter forwards only spans that ended with an error status.
type failedSpanFilter struct {
	next sdktrace.SpanProcessor
}

func (f failedSpanFilter) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	f.next.OnStart(parent, span)
}

func (f failedSpanFilter) OnEnd(span sdktrace.ReadOnlySpan) {
	if span.Status().Code != codes.Error {
		return
	}
	f.next.OnEnd(span)
}

func (f failedSpanFilter) Shutdown(ctx context.Context) error {
	return f.next.Shutdown(ctx)
}

func (f failedSpanFilter) ForceFlush(ctx context.Context) error {
	return f.next.ForceFlush(ctx)
}

// MarkFailure flags the span in ctx as failed with the classified kind.
// An empty kind is recorded as internal.
func MarkFailure(ctx context.Context, kind string, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	span.SetAttributes(ErrorKindKey.String(kind))
	message := kind
	if err != nil {
		span.RecordError(err)
		message = err.Error()
	}
	span.SetStatus(codes.Error, message)
}

// TraceMode reports the configured global trace mode.
func TraceMode() string {
	value := globalTraceMode.Load()
	if value == nil {
		return traceModeOff
	}
	mode, _ := value.(string)
	if mode == "" {
		return traceModeOff
	}
	return mode
}

// ShouldTraceDependencies reports if detailed dependency spans should be emitted.
func ShouldTraceDependencies() bool {
	return TraceMode() == traceModeDetailed
}

func setTraceMode(mode string) {
	globalTraceMode.Store(normalizeTraceMode(mode))
}

func normalizeTraceMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case traceModeOff:
		return traceModeOff
	case traceModeErrors:
		return traceModeErrors
	case traceModeDetailed:
		return traceModeDetailed
	default:
		return traceModeSampled
	}
}

func clampRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
