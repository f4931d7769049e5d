// Package transport implements the HTTP Transport component: the
// single shared client a Tracker uses to POST usage batches and fetch
// triggered limits, with the retry/backoff and connection-tuning shape
// the teacher's webhook_client.go establishes for outbound publishing.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
	"github.com/aicostmanager/aicm-go/internal/obsmetrics"
	"github.com/aicostmanager/aicm-go/limits"
	"github.com/aicostmanager/aicm-go/record"
	"golang.org/x/time/rate"
)

// RecordResult is one entry of a /track response's "results" list.
type RecordResult struct {
	ResponseID  string `json:"response_id"`
	Status      string `json:"status"` // "queued", "service_key_unknown", or "rejected"
	CostEventID string `json:"cost_event_id"`
}

// BatchResult is the outcome of one SendBatch call. Atomic is true when
// the server omitted per-record results, meaning the whole batch must be
// treated as succeeding or failing together.
type BatchResult struct {
	Results         []RecordResult
	TriggeredLimits []limits.TriggeredLimit
	Atomic          bool
}

// FetchResult is the outcome of one FetchLimits call.
type FetchResult struct {
	NotModified bool
	ETag        string
	Limits      []limits.TriggeredLimit
}

// Client is the shared HTTP transport for one Tracker. It is safe for
// concurrent use; *http.Client and its pooled *http.Transport are built
// once and reused for the Client's lifetime.
type Client struct {
	http        *http.Client
	trackURL    string
	limitsURL   string
	apiKey      string
	maxAttempts int
	logBodies   bool
	logger      *slog.Logger
	backoff     backoffConfig
	limiter     *rate.Limiter
	metrics     *obsmetrics.TransportMetrics
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRateLimit bounds outbound request rate (requests per second, with a
// burst). A nil limiter (the default) applies no limiting; most callers
// never need this, it exists for hosts embedding many Trackers behind one
// egress path.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst) }
}

// WithMetrics attaches a Prometheus counter group so every attempt,
// retry, and terminal error this Client makes is observable. A Client
// built without this option skips metrics recording entirely.
func WithMetrics(m *obsmetrics.TransportMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a Client for the given track/limits URLs and bearer
// credential. timeout bounds each individual HTTP attempt, not the whole
// SendBatch call (which may make up to maxAttempts attempts); FetchLimits
// makes a single attempt.
func New(trackURL, limitsURL, apiKey string, timeout time.Duration, maxAttempts int, logBodies bool, opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Transport: tunedTransport(), Timeout: timeout},
		trackURL:    trackURL,
		limitsURL:   limitsURL,
		apiKey:      apiKey,
		maxAttempts: maxAttempts,
		logBodies:   logBodies,
		logger:      slog.Default(),
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the Client's pooled idle connections. It does not
// cancel in-flight requests; callers cancel those through the context
// passed to SendBatch/FetchLimits.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func tunedTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

type trackResponse struct {
	Results         []RecordResult         `json:"results"`
	TriggeredLimits []wireTriggeredLimit    `json:"triggered_limits"`
	Status          string                 `json:"status"`
}

type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

type wireTriggeredLimit struct {
	LimitID       string   `json:"limit_id"`
	ThresholdType string   `json:"threshold_type"`
	Amount        float64  `json:"amount"`
	Period        string   `json:"period"`
	APIKeyID      string   `json:"api_key_id"`
	ServiceKey    string   `json:"service_key"`
	CustomerKey   string   `json:"customer_key"`
	ConfigIDList  []string `json:"config_id_list"`
	Hostname      string   `json:"hostname"`
	ExpiresAt     string   `json:"expires_at"`
}

func (w wireTriggeredLimit) toLimit() limits.TriggeredLimit {
	var expires time.Time
	if w.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.ExpiresAt); err == nil {
			expires = t
		}
	}
	return limits.TriggeredLimit{
		LimitID:       w.LimitID,
		ThresholdType: limits.ThresholdType(w.ThresholdType),
		Amount:        w.Amount,
		Period:        w.Period,
		APIKeyID:      w.APIKeyID,
		ServiceKey:    w.ServiceKey,
		CustomerKey:   w.CustomerKey,
		ConfigIDList:  w.ConfigIDList,
		Hostname:      w.Hostname,
		ExpiresAt:     expires,
	}
}

// SendBatch POSTs batch to the track URL, retrying on network error or
// HTTP 5xx/429 up to maxAttempts times with exponential backoff, honoring
// a Retry-After header on 429. A non-retryable 4xx response makes no
// further attempts; it yields a *errs.PermanentServerError when its body
// carries a detail or code field, and a *errs.TransportError otherwise.
func (c *Client) SendBatch(ctx context.Context, batch record.Batch) (*BatchResult, error) {
	body, err := record.ToWireBatch(batch)
	if err != nil {
		return nil, fmt.Errorf("transport: encode batch: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, "track", http.MethodPost, c.trackURL, body, nil)
	if err != nil {
		return nil, err
	}

	var parsed trackResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("transport: decode /track response: %w", err)
	}

	out := &BatchResult{}
	switch {
	case len(parsed.Results) > 0:
		out.Results = parsed.Results
	case parsed.Status == "service_key_unknown":
		out.Results = make([]RecordResult, len(batch))
		for i, r := range batch {
			out.Results[i] = RecordResult{ResponseID: r.ResponseID, Status: "service_key_unknown"}
		}
	default:
		out.Atomic = len(batch) > 0
	}
	for _, w := range parsed.TriggeredLimits {
		out.TriggeredLimits = append(out.TriggeredLimits, w.toLimit())
	}
	return out, nil
}

// FetchLimits GETs the triggered-limits URL, sending ifNoneMatch as an
// If-None-Match header when non-empty. A 304 response is reported as
// NotModified with no Limits.
func (c *Client) FetchLimits(ctx context.Context, ifNoneMatch string) (*FetchResult, error) {
	headers := map[string]string{}
	if ifNoneMatch != "" {
		headers["If-None-Match"] = ifNoneMatch
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.limitsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	c.applyCommonHeaders(req, headers)

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordError("limits")
		return nil, &errs.TransportError{Attempts: 1, Err: err}
	}
	defer resp.Body.Close()
	c.recordRequest("limits", resp.StatusCode)

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{NotModified: true, ETag: resp.Header.Get("ETag")}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordError("limits")
		return nil, &errs.TransportError{StatusCode: resp.StatusCode, Attempts: 1, Err: err}
	}
	if c.logBodies {
		c.logger.Debug("transport: fetch-limits response", "status", resp.StatusCode, "body", redactBody(data))
	}
	if resp.StatusCode >= 400 {
		c.recordError("limits")
		return nil, permanentOrTransportError(resp.StatusCode, data, 1)
	}

	var wire []wireTriggeredLimit
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("transport: decode /triggered-limits response: %w", err)
	}
	out := &FetchResult{ETag: resp.Header.Get("ETag")}
	for _, w := range wire {
		out.Limits = append(out.Limits, w.toLimit())
	}
	return out, nil
}

func (c *Client) applyCommonHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// doWithRetry performs one logical operation (one SendBatch call) across
// up to maxAttempts HTTP attempts, re-cloning body on every
// attempt the way the teacher's doRequestWithRetry does.
func (c *Client) doWithRetry(ctx context.Context, endpoint, method, url string, body []byte, extraHeaders map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if attempt > 1 && c.metrics != nil {
			c.metrics.Retries.WithLabelValues(endpoint).Inc()
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("transport: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.applyCommonHeaders(req, extraHeaders)

		if c.logBodies {
			c.logger.Debug("transport: request", "method", method, "url", url, "attempt", attempt, "body", redactBody(body))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt == c.maxAttempts {
				c.recordError(endpoint)
				return nil, &errs.TransportError{Attempts: attempt, Err: err}
			}
			c.sleepBeforeRetry(ctx, attempt, 0)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.recordRequest(endpoint, resp.StatusCode)
		if readErr != nil {
			lastErr = readErr
			if attempt == c.maxAttempts {
				c.recordError(endpoint)
				return nil, &errs.TransportError{StatusCode: resp.StatusCode, Attempts: attempt, Err: readErr}
			}
			c.sleepBeforeRetry(ctx, attempt, 0)
			continue
		}

		if c.logBodies {
			c.logger.Debug("transport: response", "status", resp.StatusCode, "attempt", attempt, "body", redactBody(data))
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		if !retryableStatus(resp.StatusCode) {
			c.recordError(endpoint)
			return nil, permanentOrTransportError(resp.StatusCode, data, attempt)
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if attempt == c.maxAttempts {
			c.recordError(endpoint)
			return nil, &errs.TransportError{StatusCode: resp.StatusCode, Attempts: attempt, Err: lastErr}
		}
		c.sleepBeforeRetry(ctx, attempt, retryAfter(resp))
	}
	c.recordError(endpoint)
	return nil, &errs.TransportError{Attempts: c.maxAttempts, Err: lastErr}
}

func (c *Client) recordRequest(endpoint string, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.Requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (c *Client) recordError(endpoint string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Errors.WithLabelValues(endpoint, "exhausted").Inc()
}

func (c *Client) sleepBeforeRetry(ctx context.Context, attempt int, serverHint time.Duration) {
	d := c.backoff.duration(attempt)
	if serverHint > d {
		d = serverHint
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryAfter parses a Retry-After header (seconds form) when present.
func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func permanentOrTransportError(status int, body []byte, attempts int) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && (eb.Detail != "" || eb.Code != "") {
		return &errs.PermanentServerError{StatusCode: status, Code: eb.Code, Detail: eb.Detail}
	}
	return &errs.TransportError{StatusCode: status, Attempts: attempts, Err: fmt.Errorf("HTTP %d", status)}
}
