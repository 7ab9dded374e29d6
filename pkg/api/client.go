// Package api implements the HTTP request engine for a Plex-compatible
// media server: typed error classification, capped-exponential retries,
// identification headers, transparent decompression, and a response cache
// for the metadata paths.
//
// The engine is configured with a server endpoint once the connection
// prober has selected one; the endpoint is replaced wholesale on server
// re-selection and is never partially mutated.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/tvclient/internal/version"
	"github.com/jmylchreest/tvclient/pkg/cache"
	"github.com/jmylchreest/tvclient/pkg/connection"
)

// Default configuration values.
const (
	DefaultMaxAttempts     = 3
	DefaultBackoffCap      = 16 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultRequestTimeout  = 15 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
	DefaultMetadataTTL     = 2 * time.Minute

	headerAccept         = "Accept"
	headerAcceptEncoding = "Accept-Encoding"
	headerUserAgent      = "User-Agent"

	acceptEncodings = "gzip, deflate, br"
)

// ErrNoEndpoint is wrapped into an InvalidURL error when a request is made
// before a server endpoint has been bound.
var ErrNoEndpoint = fmt.Errorf("no server endpoint bound")

// Config holds configuration for the request engine.
type Config struct {
	// MaxAttempts is the default attempt budget per call.
	MaxAttempts int

	// BackoffCap bounds the exponential delay between retries.
	BackoffCap time.Duration

	// ProbeTimeout applies to liveness and negotiation probes.
	ProbeTimeout time.Duration

	// RequestTimeout applies to metadata and control calls.
	RequestTimeout time.Duration

	// DownloadTimeout applies to full-body fetches.
	DownloadTimeout time.Duration

	// MetadataTTL is how long cached metadata responses stay fresh.
	MetadataTTL time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// EnableDecompression enables transparent response decompression.
	EnableDecompression bool

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         DefaultMaxAttempts,
		BackoffCap:          DefaultBackoffCap,
		ProbeTimeout:        DefaultProbeTimeout,
		RequestTimeout:      DefaultRequestTimeout,
		DownloadTimeout:     DefaultDownloadTimeout,
		MetadataTTL:         DefaultMetadataTTL,
		UserAgent:           version.UserAgent(),
		EnableDecompression: true,
		Logger:              slog.Default(),
	}
}

// Client is the request engine. It is safe for concurrent use; the bound
// endpoint is swapped atomically so in-flight calls never observe a
// half-updated endpoint.
type Client struct {
	config Config
	device Device
	logger *slog.Logger

	endpoint atomic.Pointer[connection.Endpoint]

	probeClient    *http.Client
	dataClient     *http.Client
	downloadClient *http.Client

	cache *cache.Cache
	group singleflight.Group

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.config = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCache sets a shared response cache. By default each client owns one.
func WithCache(responseCache *cache.Cache) Option {
	return func(c *Client) {
		c.cache = responseCache
	}
}

// New creates a request engine for the given device identity.
func New(device Device, opts ...Option) *Client {
	c := &Client{
		config: DefaultConfig(),
		device: device,
		cache:  cache.New(),
		sleep:  sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = c.config.Logger
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	// Independent clients per timeout class: timeouts apply per call, not
	// cumulatively across retries.
	c.probeClient = &http.Client{Timeout: c.config.ProbeTimeout}
	c.dataClient = &http.Client{Timeout: c.config.RequestTimeout}
	c.downloadClient = &http.Client{Timeout: c.config.DownloadTimeout}

	return c
}

// Device returns the device identity this client was built with.
func (c *Client) Device() Device {
	return c.device
}

// SetEndpoint binds (or replaces) the server endpoint. Cached responses
// belong to the previous server and are dropped.
func (c *Client) SetEndpoint(ep *connection.Endpoint) {
	c.endpoint.Store(ep)
	c.cache.InvalidateAll()
}

// Endpoint returns the currently bound endpoint, or nil.
func (c *Client) Endpoint() *connection.Endpoint {
	return c.endpoint.Load()
}

// Cache exposes the response cache for caller-driven invalidation (e.g. on
// filter or sort changes).
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// RequestSpec describes one logical call against the bound endpoint.
type RequestSpec struct {
	// Method defaults to GET.
	Method string
	// Path is server-relative and must start with "/".
	Path string
	// Query is appended to the URL.
	Query url.Values
	// Body is sent as the request body when non-empty.
	Body []byte
	// MaxAttempts overrides the configured attempt budget when positive.
	MaxAttempts int
	// RequiresAuth rejects the call locally when no token is bound.
	RequiresAuth bool
	// Download selects the long-timeout client for full-body fetches.
	Download bool
}

// Request performs the call and decodes the JSON response into T. Decoding
// is only attempted on a successful status; a decode failure is terminal.
func Request[T any](ctx context.Context, c *Client, spec RequestSpec) (T, error) {
	var out T
	body, err := c.do(ctx, spec)
	if err != nil {
		return out, err
	}
	if len(body) == 0 {
		return out, &Error{Kind: KindNoData}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &Error{Kind: KindDecodingError, Cause: err}
	}
	return out, nil
}

// Do performs the call and discards the response body. Used for control
// calls (timeline updates, scrobbles, session stops) where only the status
// matters.
func (c *Client) Do(ctx context.Context, spec RequestSpec) error {
	_, err := c.do(ctx, spec)
	return err
}

// do runs the attempt loop: up to maxAttempts tries, capped exponential
// backoff before each retry, fatal kinds short-circuiting immediately. The
// last observed error is surfaced after exhaustion, or NotReachable when no
// attempt ever completed a request.
func (c *Client) do(ctx context.Context, spec RequestSpec) ([]byte, error) {
	ep := c.endpoint.Load()
	if ep == nil {
		return nil, &Error{Kind: KindInvalidURL, Cause: ErrNoEndpoint}
	}

	// Local zero-network auth check.
	if spec.RequiresAuth && ep.AccessToken == "" {
		return nil, &Error{Kind: KindUnauthorized}
	}

	requestURL, err := c.buildURL(ep, spec)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Cause: err}
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.config.MaxAttempts
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	httpClient := c.dataClient
	if spec.Download {
		httpClient = c.downloadClient
	}

	logger := c.logger.With(slog.String("request_id", ulid.Make().String()))

	var lastErr *Error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", requestURL),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, apiErr := c.attempt(ctx, httpClient, method, requestURL, spec.Body, ep.AccessToken, logger)
		if apiErr == nil {
			return body, nil
		}
		if !apiErr.Retryable() {
			return nil, apiErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = apiErr
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &Error{Kind: KindNotReachable}
}

// attempt executes a single request and classifies the outcome.
func (c *Client) attempt(ctx context.Context, httpClient *http.Client, method, requestURL string, body []byte, token string, logger *slog.Logger) ([]byte, *Error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Cause: err}
	}

	c.device.applyHeaders(req.Header, token)
	req.Header.Set(headerAccept, "application/json")
	req.Header.Set(headerUserAgent, c.config.UserAgent)
	if c.config.EnableDecompression {
		req.Header.Set(headerAcceptEncoding, acceptEncodings)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		logger.Warn("request failed",
			slog.String("url", requestURL),
			slog.String("method", method),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: KindNotReachable, Cause: err}
	}
	defer resp.Body.Close()

	respBody := io.ReadCloser(resp.Body)
	if c.config.EnableDecompression {
		respBody = c.wrapDecompression(resp)
	}

	payload, readErr := io.ReadAll(respBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := classifyStatus(resp.StatusCode)
		logger.Debug("request rejected",
			slog.String("url", requestURL),
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
		)
		return nil, apiErr
	}

	if readErr != nil {
		return nil, &Error{Kind: KindInvalidResponse, Cause: readErr}
	}

	logger.Debug("request completed",
		slog.String("url", requestURL),
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
		slog.Int("bytes", len(payload)),
	)
	return payload, nil
}

// backoffDelay returns min(2^attempt, cap) seconds.
func (c *Client) backoffDelay(attempt int) time.Duration {
	capDelay := c.config.BackoffCap
	if capDelay <= 0 {
		capDelay = DefaultBackoffCap
	}
	if attempt > 30 {
		return capDelay
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > capDelay {
		return capDelay
	}
	return delay
}

// buildURL joins the endpoint base with the request path and query.
func (c *Client) buildURL(ep *connection.Endpoint, spec RequestSpec) (string, error) {
	base, err := url.Parse(ep.BaseURL)
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("malformed base URL %q", ep.BaseURL)
	}
	if !strings.HasPrefix(spec.Path, "/") {
		return "", fmt.Errorf("path %q is not server-relative", spec.Path)
	}

	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + spec.Path
	if len(spec.Query) > 0 {
		u.RawQuery = spec.Query.Encode()
	}
	return u.String(), nil
}

// Probe issues a single short-timeout GET against an absolute URL and
// reports whether it answered 2xx. Used by the playback negotiator for
// existence checks; there is no retry and the body is discarded.
func (c *Client) Probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Error{Kind: KindInvalidURL, Cause: err}
	}
	c.device.applyHeaders(req.Header, "")
	req.Header.Set(headerUserAgent, c.config.UserAgent)

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNotReachable, Cause: err}
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused; a probe never needs
	// the payload.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// CheckServer is the liveness probe raced by the connection prober: a
// short-timeout read of a known-cheap endpoint, accepting only 2xx. It is
// independent of the bound endpoint because it runs before one exists.
func (c *Client) CheckServer(ctx context.Context, baseURL, token string) error {
	u := strings.TrimRight(baseURL, "/") + "/identity"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Kind: KindInvalidURL, Cause: err}
	}
	c.device.applyHeaders(req.Header, token)
	req.Header.Set(headerUserAgent, c.config.UserAgent)

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNotReachable, Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// sleepContext sleeps for d honoring context cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
