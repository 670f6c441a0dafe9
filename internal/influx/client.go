// Package influx queries the InfluxDB-compatible metrics backend and folds
// per-node series into per-timestamp rows.
package influx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/apperr"
	"github.com/cam3ron2/jobmetrics/internal/nodeset"
	"github.com/cam3ron2/jobmetrics/internal/telemetry"
	"go.uber.org/zap"
)

const (
	defaultDatabase       = "graphite"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 64 << 20
)

// Metrics produced once per job by every batch server rather than per node.
// Repeated values overwrite instead of accumulating.
var replicatedMetrics = map[string]struct{}{
	"cpus":  {},
	"nodes": {},
}

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the backend endpoint.
type Config struct {
	BaseURL        string
	Database       string
	RequestTimeout time.Duration
}

// Rows maps a backend timestamp to one value per requested metric.
type Rows map[string][]float64

// Result is the folded answer to one query.
type Result struct {
	Rows      Rows
	Producers nodeset.Set
}

// Client queries one metrics backend.
type Client struct {
	cfg    Config
	doer   HTTPDoer
	logger *zap.Logger
}

// NewClient creates a metrics backend client.
func NewClient(cfg Config, doer HTTPDoer, logger ...*zap.Logger) *Client {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if cfg.Database == "" {
		cfg.Database = defaultDatabase
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		doer:   doer,
		logger: baseLogger,
	}
}

type queryResponse struct {
	Results *[]statementResult `json:"results"`
	Error   string             `json:"error"`
}

type statementResult struct {
	Series *[]series `json:"series"`
	Error  string    `json:"error"`
}

type series struct {
	Name   string            `json:"name"`
	Tags   map[string]string `json:"tags"`
	Values [][]any           `json:"values"`
}

// Query runs the job query for metrics and folds the answer. Values of
// replicated metrics overwrite; all other metrics are summed across nodes.
func (c *Client) Query(
	ctx context.Context,
	cluster string,
	jobID string,
	metrics []string,
	period Period,
	profiler *telemetry.Profiler,
) (Result, error) {
	statement := BuildQuery(cluster, jobID, metrics, period)
	profiler.Meta("metrics_req", statement)

	params := url.Values{}
	params.Set("db", c.cfg.Database)
	params.Set("q", statement)
	params.Set("epoch", "ms")
	endpoint := c.cfg.BaseURL + "/query?" + params.Encode()

	reqCtx, stopReq := profiler.Start(ctx, "metrics_req")
	status, raw, err := c.get(reqCtx, endpoint)
	stopReq()
	if err != nil {
		return Result{}, err
	}

	switch {
	case status == http.StatusNotFound:
		return Result{}, apperr.NotFound("metrics not found for job %s on cluster %s", jobID, cluster)
	case status < 200 || status >= 300:
		return Result{}, apperr.Connection(nil, "unexpected status %d from metrics backend %s", status, c.cfg.BaseURL)
	}

	_, stopProc := profiler.Start(ctx, "metrics_proc")
	defer stopProc()

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded queryResponse
	if err := decoder.Decode(&decoded); err != nil {
		return Result{}, apperr.Protocol(err, "not JSON data from metrics backend %s", c.cfg.BaseURL)
	}
	if decoded.Error != "" {
		return Result{}, apperr.Protocol(nil, "metrics backend error: %s", decoded.Error)
	}
	if decoded.Results == nil {
		return Result{}, apperr.Protocol(nil, "metrics backend response has no results")
	}

	return c.fold(*decoded.Results, metrics, statement)
}

func (c *Client) fold(results []statementResult, metrics []string, statement string) (Result, error) {
	index := make(map[string]int, len(metrics))
	for i, metric := range metrics {
		index[metric] = i
	}

	out := Result{Rows: make(Rows), Producers: nodeset.New()}
	for _, result := range results {
		if result.Error != "" {
			return Result{}, apperr.Protocol(nil, "metrics backend error: %s", result.Error)
		}
		if result.Series == nil {
			c.logger.Warn("no series in one result for query", zap.String("query", statement))
			continue
		}

		for _, s := range *result.Series {
			position, ok := index[s.Name]
			if !ok {
				return Result{}, apperr.Protocol(nil, "unexpected metric %q in metrics backend response", s.Name)
			}
			node, ok := s.Tags["node"]
			if !ok {
				return Result{}, apperr.Protocol(nil, "series %q has no node tag", s.Name)
			}
			if !nodeset.ValidName(node) {
				return Result{}, apperr.Protocol(nil, "series %q has invalid node tag %q", s.Name, node)
			}
			out.Producers.Add(node)

			_, replicated := replicatedMetrics[s.Name]
			for _, pair := range s.Values {
				timestamp, value, err := decodePoint(pair)
				if err != nil {
					return Result{}, apperr.Protocol(err, "invalid point in series %q for node %s", s.Name, node)
				}
				row, ok := out.Rows[timestamp]
				if !ok {
					row = make([]float64, len(metrics))
					out.Rows[timestamp] = row
				}
				if replicated {
					row[position] = value
				} else {
					row[position] += value
				}
			}
		}
	}
	return out, nil
}

func decodePoint(pair []any) (string, float64, error) {
	if len(pair) < 2 {
		return "", 0, fmt.Errorf("point has %d columns, want 2", len(pair))
	}

	var timestamp string
	switch ts := pair[0].(type) {
	case json.Number:
		timestamp = ts.String()
	case string:
		timestamp = ts
	default:
		return "", 0, fmt.Errorf("timestamp is %T", pair[0])
	}

	switch v := pair[1].(type) {
	case nil:
		return timestamp, 0, nil
	case json.Number:
		value, err := v.Float64()
		if err != nil {
			return "", 0, err
		}
		return timestamp, value, nil
	default:
		return "", 0, fmt.Errorf("value is %T", pair[1])
	}
}

func (c *Client) get(ctx context.Context, endpoint string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, apperr.Connection(err, "build metrics backend request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		c.logger.Warn("metrics backend request failed", zap.String("url", c.cfg.BaseURL), zap.Error(err))
		return 0, nil, apperr.Connection(err, "connection error while trying to connect to %s", c.cfg.BaseURL)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, apperr.Connection(err, "read metrics backend response")
	}
	return resp.StatusCode, raw, nil
}

// Ping checks that the backend answers its ping endpoint.
func (c *Client) Ping(ctx context.Context) error {
	status, _, err := c.get(ctx, c.cfg.BaseURL+"/ping")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return apperr.Connection(nil, "metrics backend ping returned %d", status)
	}
	return nil
}
