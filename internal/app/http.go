package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/apperr"
	"github.com/cam3ron2/jobmetrics/internal/influx"
	"github.com/cam3ron2/jobmetrics/internal/jobdata"
	"github.com/cam3ron2/jobmetrics/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const unknownErrorMessage = "unknown internal error"

// JobMetricsGetter serves job metrics requests.
type JobMetricsGetter interface {
	GetJobMetrics(ctx context.Context, cluster, jobID, period string) (jobdata.Result, error)
}

// HandlerConfig wires the HTTP surface.
type HandlerConfig struct {
	Jobs           JobMetricsGetter
	Metrics        http.Handler
	Health         http.Handler
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler wires the job metrics API, the Prometheus endpoint and the
// health endpoints on a single router.
func NewHTTPHandler(cfg HandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	traceMode := telemetry.TraceMode()

	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", cfg.Metrics))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", cfg.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", cfg.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", cfg.Health))

	jobs := wrapHTTPHandler(traceMode, "job_metrics", newJobMetricsHandler(cfg.Jobs, logger))
	router.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		r.Method(http.MethodGet, "/metrics/{cluster}/{jobid:[0-9]+}", jobs)
		r.Method(http.MethodGet, "/metrics/{cluster}/{jobid:[0-9]+}/{period}", jobs)
	})
	return router
}

func newJobMetricsHandler(jobs JobMetricsGetter, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if jobs == nil {
			writeError(w, logger, apperr.NotFound("no clusters are served"))
			return
		}
		period := chi.URLParam(r, "period")
		if period == "" {
			period = influx.DefaultPeriod
		}
		result, err := jobs.GetJobMetrics(r.Context(), chi.URLParam(r, "cluster"), chi.URLParam(r, "jobid"), period)
		if err != nil {
			telemetry.MarkFailure(r.Context(), string(apperr.KindOf(err)), err)
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, result)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	message := unknownErrorMessage
	if apperr.KindOf(err) != "" {
		message = err.Error()
	} else {
		logger.Error("unclassified error while serving job metrics", zap.Error(err))
	}
	writeJSON(w, logger, apperr.HTTPStatus(err), errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write response body", zap.Error(err))
	}
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("jobmetrics/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		switch {
		case recorder.status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
		case recorder.status < http.StatusBadRequest:
			span.SetStatus(codes.Ok, "request completed")
		}
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
