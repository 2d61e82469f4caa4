// Package upstream is the single conduit to the provider API. Every
// call flows through one shared client that applies authentication,
// per-call deadlines, retry with jittered exponential backoff, a
// process-global circuit breaker, and a read-through response cache.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/coderelay/relay/internal/cache"
	"github.com/coderelay/relay/internal/observability"
)

// defaultScope is requested when minting service-account tokens.
const defaultScope = "https://www.googleapis.com/auth/cloud-platform"

// Config configures the upstream client.
type Config struct {
	BaseURL string
	// APIKey is the shared-key credential.
	APIKey string
	// ServiceAccountJSON, when set, takes precedence over APIKey; the
	// client mints and refreshes OAuth bearer tokens from it.
	ServiceAccountJSON string
	// OAuthTokenURL overrides the token endpoint named in the
	// credential file.
	OAuthTokenURL string
	Timeout       time.Duration
	Retry              RetryPolicy
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	CacheCapacity      int
	CacheTTL           time.Duration
}

// Client talks to the provider API.
type Client struct {
	baseURL     string
	apiKey      string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	timeout     time.Duration
	retry       RetryPolicy
	breaker     *Breaker
	cache       *cache.LRU
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewClient creates the shared upstream client.
func NewClient(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Base == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		breaker:    NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cache:      cache.NewLRU(cfg.CacheCapacity, cfg.CacheTTL),
		logger:     logger,
		metrics:    metrics,
	}

	if cfg.ServiceAccountJSON != "" {
		jwtCfg, err := google.JWTConfigFromJSON([]byte(cfg.ServiceAccountJSON), defaultScope)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		if cfg.OAuthTokenURL != "" {
			jwtCfg.TokenURL = cfg.OAuthTokenURL
		}
		c.tokenSource = oauth2.ReuseTokenSource(nil, jwtCfg.TokenSource(context.Background()))
	}

	if metrics != nil {
		c.breaker.OnStateChange(func(s BreakerState) {
			metrics.CircuitState.Set(float64(s))
		})
	}

	return c, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Cache exposes the response cache for the janitor's expiry sweep.
func (c *Client) Cache() *cache.LRU {
	return c.cache
}

// CreateSession starts a new coding session.
func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	var out Session
	if err := c.call(ctx, http.MethodPost, "/v1/sessions", nil, req, &out); err != nil {
		return nil, err
	}
	c.cache.Invalidate("/v1/sessions")
	return &out, nil
}

// GetSession fetches one session. Reads within the cache TTL are
// served locally.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.cachedCall(ctx, "/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions fetches all provider sessions.
func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	var out listSessionsResponse
	if err := c.cachedCall(ctx, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// SendMessage delivers a user message to a running session.
func (c *Client) SendMessage(ctx context.Context, id, message string) error {
	body := map[string]string{"prompt": message}
	err := c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+":sendMessage", nil, body, nil)
	if err == nil {
		c.cache.Invalidate(id)
	}
	return err
}

// ApprovePlan approves the pending plan for a session.
func (c *Client) ApprovePlan(ctx context.Context, id string) error {
	err := c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+":approvePlan", nil, nil, nil)
	if err == nil {
		c.cache.Invalidate(id)
	}
	return err
}

// CancelSession asks the provider to cancel a session.
func (c *Client) CancelSession(ctx context.Context, id string) error {
	err := c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+":cancel", nil, nil, nil)
	if err == nil {
		c.cache.Invalidate(id)
	}
	return err
}

// DeleteSession removes a session on the provider side.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	err := c.call(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil, nil)
	if err == nil {
		c.cache.Invalidate(id)
	}
	return err
}

// ListActivities fetches the session's progress events.
func (c *Client) ListActivities(ctx context.Context, id string) ([]Activity, error) {
	var out listActivitiesResponse
	if err := c.cachedCall(ctx, "/v1/sessions/"+url.PathEscape(id)+"/activities", nil, &out); err != nil {
		return nil, err
	}
	return out.Activities, nil
}

// GetDiff fetches the unified diff a session has produced so far.
func (c *Client) GetDiff(ctx context.Context, id string) (*Diff, error) {
	var out Diff
	if err := c.cachedCall(ctx, "/v1/sessions/"+url.PathEscape(id)+"/diff", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSource fetches source metadata, including the default branch.
func (c *Client) GetSource(ctx context.Context, source string) (*Source, error) {
	var out Source
	if err := c.cachedCall(ctx, "/v1/"+source, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeployLogs fetches the build log of a failed deploy.
func (c *Client) GetDeployLogs(ctx context.Context, serviceID, deployID string) (*DeployLogs, error) {
	path := "/v1/services/" + url.PathEscape(serviceID) + "/deploys/" + url.PathEscape(deployID) + "/logs"
	var out DeployLogs
	if err := c.cachedCall(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTriggeredIssues fetches tracker issues carrying the trigger label.
func (c *Client) ListTriggeredIssues(ctx context.Context, label string) ([]*Issue, error) {
	var out listIssuesResponse
	if err := c.cachedCall(ctx, "/v1/issues", url.Values{"label": {label}}, &out); err != nil {
		return nil, err
	}
	return out.Issues, nil
}

// cachedCall is a read-through GET: a fresh cache entry short-circuits
// the network entirely, including retry and breaker accounting.
func (c *Client) cachedCall(ctx context.Context, path string, params url.Values, out any) error {
	key := cacheKey(http.MethodGet, path, params)
	if raw, ok := c.cache.Get(key); ok {
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return json.Unmarshal(raw.([]byte), out)
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	raw, err := c.do(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	c.cache.Set(key, raw)
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// call performs a non-cached request, decoding the response into out
// when non-nil.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	raw, err := c.do(ctx, method, path, params, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// do runs one verb with retry, breaker and deadline handling.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	verb := method + " " + path
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxRetries+1; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.breaker.Allow() {
			if c.metrics != nil {
				c.metrics.UpstreamRequestCounter.WithLabelValues(verb, "circuit_open").Inc()
			}
			return nil, ErrCircuitOpen
		}

		raw, err := c.once(ctx, method, path, params, payload, verb)
		if err == nil {
			c.breaker.Success()
			return raw, nil
		}

		c.breaker.Failure()
		lastErr = err

		if !Transient(err) || attempt > c.retry.MaxRetries {
			break
		}

		delay := c.retry.Backoff(attempt)
		if c.logger != nil {
			c.logger.Warn(ctx, "upstream call failed, retrying",
				"verb", verb, "attempt", attempt, "delay", delay, "error", err)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// once performs a single HTTP exchange under the per-call deadline.
func (c *Client) once(ctx context.Context, method, path string, params url.Values, payload []byte, verb string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.UpstreamRequestDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.countVerb(verb, "error")
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.countVerb(verb, "error")
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.countVerb(verb, "error")
		return nil, &APIError{StatusCode: resp.StatusCode, Verb: verb, Body: truncate(string(raw), 512)}
	}

	c.countVerb(verb, "success")
	return raw, nil
}

// authorize injects the credential header. OAuth wins when both
// schemes are configured; tokens are refreshed on expiry by the
// reusable token source.
func (c *Client) authorize(req *http.Request) error {
	if c.tokenSource != nil {
		token, err := c.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("fetch oauth token: %w", err)
		}
		token.SetAuthHeader(req)
		return nil
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return nil
}

func (c *Client) countVerb(verb, status string) {
	if c.metrics != nil {
		c.metrics.UpstreamRequestCounter.WithLabelValues(verb, status).Inc()
	}
}

// cacheKey builds a stable key from method, path, and sorted params.
func cacheKey(method, path string, params url.Values) string {
	if len(params) == 0 {
		return method + " " + path
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(path)
	b.WriteString("?")
	for i, k := range keys {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strings.Join(params[k], ","))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
