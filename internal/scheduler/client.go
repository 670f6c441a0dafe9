// Package scheduler talks to the per-cluster job scheduler REST API and
// keeps the cluster's cached authentication state current.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/jobmetrics/internal/apperr"
	"github.com/cam3ron2/jobmetrics/internal/authcache"
	"github.com/cam3ron2/jobmetrics/internal/telemetry"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 16 << 20
)

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LoginObserver is notified of every login attempt.
type LoginObserver interface {
	ObserveLogin(cluster, result string)
}

// Config describes one cluster's scheduler API.
type Config struct {
	Cluster     string
	BaseURL     string
	Mode        LoginMode
	Credentials Credentials
	// AuthEnabled seeds the auth state when the cache does not know it.
	AuthEnabled    *bool
	RequestTimeout time.Duration
}

// Client is an authenticated scheduler API client bound to one cluster's
// cache entry for the duration of a request.
type Client struct {
	cfg         Config
	doer        HTTPDoer
	entry       *authcache.ClusterAuthState
	logger      *zap.Logger
	token       *string
	authEnabled *bool

	// Profiler and Logins are optional.
	Profiler *telemetry.Profiler
	Logins   LoginObserver
}

// NewClient creates a client whose state is seeded from entry. The entry is
// updated in place as authentication state changes; persisting it is the
// caller's job.
func NewClient(cfg Config, doer HTTPDoer, entry *authcache.ClusterAuthState, logger ...*zap.Logger) *Client {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if entry == nil {
		entry = &authcache.ClusterAuthState{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = LoginGuest
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := &Client{
		cfg:    cfg,
		doer:   doer,
		entry:  entry,
		logger: baseLogger.With(zap.String("cluster", cfg.Cluster)),
	}
	if entry.Token != nil {
		token := *entry.Token
		client.token = &token
	}
	switch {
	case entry.AuthEnabled != nil:
		enabled := *entry.AuthEnabled
		client.authEnabled = &enabled
	case cfg.AuthEnabled != nil:
		enabled := *cfg.AuthEnabled
		client.authEnabled = &enabled
	}
	return client
}

// EnsureAuth makes sure the client holds a token when the API requires one.
// A held token is assumed valid until the API rejects it.
func (c *Client) EnsureAuth(ctx context.Context) error {
	if c.token != nil {
		c.recordTokenExpiry(*c.token)
		return nil
	}
	if c.authEnabled != nil && !*c.authEnabled {
		return nil
	}
	if c.cfg.Mode == LoginGuest && c.entry.AuthGuest != nil && !*c.entry.AuthGuest {
		return apperr.Auth("unable to log as guest to %s", c.cfg.BaseURL)
	}

	token, err := c.Login(ctx)
	if err != nil {
		return err
	}

	c.token = &token
	enabled := true
	c.authEnabled = &enabled

	cached := token
	cachedEnabled := true
	guest := c.cfg.Mode == LoginGuest
	c.entry.Token = &cached
	c.entry.AuthEnabled = &cachedEnabled
	c.entry.AuthGuest = &guest

	c.recordTokenExpiry(token)
	return nil
}

// Login requests a new token. It does not touch client or cache state.
func (c *Client) Login(ctx context.Context) (string, error) {
	endpoint := c.cfg.BaseURL + "/login"
	c.logger.Info("login to scheduler API for new token", zap.String("url", endpoint), zap.String("mode", string(c.cfg.Mode)))

	payload, err := loginPayload(c.cfg.Mode, c.cfg.Credentials)
	if err != nil {
		c.observeLogin("error")
		return "", apperr.Auth("cannot log in to %s: %v", c.cfg.BaseURL, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.observeLogin("error")
		return "", fmt.Errorf("marshal login payload: %w", err)
	}

	status, raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		c.observeLogin("error")
		return "", err
	}
	if status < 200 || status >= 300 {
		c.observeLogin("rejected")
		return "", apperr.Auth("login failed with %d on API %s", status, c.cfg.BaseURL)
	}

	var decoded struct {
		IDToken *string `json:"id_token"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.observeLogin("error")
		return "", apperr.Protocol(err, "not JSON data for POST %s", endpoint)
	}
	if decoded.IDToken == nil {
		c.observeLogin("error")
		return "", apperr.Protocol(nil, "no id_token in login response from %s", endpoint)
	}

	c.observeLogin("success")
	return *decoded.IDToken, nil
}

// FetchJob returns the job object for jobID. A 403 invalidates the cached
// authentication state and retries the whole call once.
func (c *Client) FetchJob(ctx context.Context, jobID string) (map[string]any, error) {
	job, err := c.fetchJob(ctx, jobID)
	if !errors.Is(err, errForbidden) {
		return job, err
	}

	c.logger.Info("token in cache invalidated", zap.String("job_id", jobID))
	c.token = nil
	c.authEnabled = nil
	c.entry.Invalidate()

	job, err = c.fetchJob(ctx, jobID)
	if errors.Is(err, errForbidden) {
		return nil, apperr.Auth("cannot authenticate on %s with current credentials: got 403 with new token", c.cfg.BaseURL)
	}
	return job, err
}

var errForbidden = errors.New("forbidden")

func (c *Client) fetchJob(ctx context.Context, jobID string) (map[string]any, error) {
	_, stopAuth := c.Profiler.Start(ctx, "slurm_auth")
	err := c.EnsureAuth(ctx)
	stopAuth()
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.BaseURL + "/job/" + url.PathEscape(jobID)
	reqCtx, stopReq := c.Profiler.Start(ctx, "slurm_req")
	status, raw, err := c.do(reqCtx, http.MethodGet, endpoint, nil)
	stopReq()
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound:
		return nil, apperr.NotFound("job ID %s not found in API %s", jobID, c.cfg.BaseURL)
	case status == http.StatusForbidden:
		return nil, errForbidden
	case status < 200 || status >= 300:
		return nil, apperr.Connection(nil, "unexpected status %d from %s", status, endpoint)
	}

	var job map[string]any
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, apperr.Protocol(err, "not JSON data for GET %s", endpoint)
	}
	if job == nil {
		return nil, apperr.Protocol(nil, "empty job object from %s", endpoint)
	}
	return job, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, apperr.Connection(err, "build request for %s", endpoint)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		req.Header.Set("Authorization", "Bearer "+*c.token)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		c.logger.Warn("scheduler API request failed", zap.String("url", endpoint), zap.Error(err))
		return 0, nil, apperr.Connection(err, "connection error while trying to connect to %s", endpoint)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, apperr.Connection(err, "read response from %s", endpoint)
	}
	c.logger.Debug("scheduler API response", zap.String("url", endpoint), zap.Int("status", resp.StatusCode))
	return resp.StatusCode, raw, nil
}

func (c *Client) recordTokenExpiry(token string) {
	if c.Profiler == nil {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return
	}
	c.Profiler.Meta("token_expires_at", expiresAt.UTC().Format(time.RFC3339))
}

func (c *Client) observeLogin(result string) {
	if c.Logins != nil {
		c.Logins.ObserveLogin(c.cfg.Cluster, result)
	}
}
