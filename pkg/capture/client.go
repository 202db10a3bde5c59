// Package capture provides the HTTP client for the Capture entity API with
// rate limiting, retries, error translation and an app-scoped cache.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/janrain/datalib/pkg/cache"
	"github.com/janrain/datalib/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for Capture client operations.
var (
	captureRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_requests_total",
		Help: "Total Capture API calls by command and status",
	}, []string{"command", "status"})

	captureRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_request_duration_seconds",
		Help:    "Capture API call duration in seconds by command, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"command"})

	captureErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_errors_total",
		Help: "Total Capture API errors by class",
	}, []string{"class"})
)

// StatusRateLimited is the HTTP status the Capture API answers with when an
// application exceeds its rate limit.
const StatusRateLimited = 510

// maxErrorBody bounds how much of an HTTP error body is read for classification.
const maxErrorBody = 64 << 10

// Client is the Capture API client.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	redis       *redis.Client
	limiter     *rate.Limiter
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// AppURL is the application URL, e.g. "https://myapp.janraincapture.com"
	AppURL string

	// Credentials of a client with admin privileges (REQUIRED)
	ClientID     string
	ClientSecret string

	// Redis client for the app cache and shared rate limit state (optional)
	Redis *redis.Client

	// User-Agent header
	UserAgent string

	// Rate Limiting
	RateLimit         float64       // Requests per second, 0 disables client-side limiting
	RateLimitBurst    int           // Burst size for RateLimit
	RateLimitCooldown time.Duration // Cooldown after the first 510 response

	// Timeout is the per-attempt timeout; attempt n gets n*Timeout
	Timeout time.Duration

	// Retry
	Retry RetryConfig

	// Caching
	CacheTTL time.Duration // TTL of app cache entries
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(appURL, clientID, clientSecret string) Config {
	return Config{
		AppURL:            appURL,
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		UserAgent:         "datalib-go/1.0",
		RateLimit:         0,
		RateLimitBurst:    1,
		RateLimitCooldown: ratelimit.DefaultBaseCooldown,
		Timeout:           10 * time.Second,
		Retry:             DefaultRetryConfig(),
		CacheTTL:          10 * time.Minute,
	}
}

// New creates a new Capture client.
func New(cfg Config) (*Client, error) {
	if cfg.AppURL == "" {
		return nil, fmt.Errorf("app url is required")
	}

	baseURL, err := url.Parse(strings.TrimRight(cfg.AppURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse app url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("app url must be http or https (got %q)", cfg.AppURL)
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client id and client secret are required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %v)", cfg.RateLimit)
	}

	logger := log.With().Str("component", "capture-client").Str("app", baseURL.Host).Logger()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	trackerCfg := ratelimit.DefaultConfig(baseURL.Host)
	if cfg.RateLimitCooldown > 0 {
		trackerCfg.BaseCooldown = cfg.RateLimitCooldown
	}

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis)
	}

	return &Client{
		httpClient:  &http.Client{},
		baseURL:     baseURL,
		redis:       cfg.Redis,
		limiter:     limiter,
		rateLimiter: ratelimit.NewTracker(cfg.Redis, trackerCfg, logger),
		cache:       cacheManager,
		config:      cfg,
		logger:      logger,
	}, nil
}

// envelope is the part of every Capture response that tells success from failure.
type envelope struct {
	Stat             string `json:"stat"`
	Code             int    `json:"code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Call performs an API command with rate limiting, retries and error
// translation, and decodes the JSON response into out (which may be nil).
// Numbers in the response are decoded as json.Number when out holds
// interface values.
func (c *Client) Call(ctx context.Context, command string, params map[string]any, out any) error {
	startTime := time.Now()
	defer func() {
		captureRequestDuration.WithLabelValues(command).Observe(time.Since(startTime).Seconds())
	}()

	form, err := c.encodeParams(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", command, err)
	}

	c.logger.Debug().Str("command", command).Msg("Executing Capture call")

	var body []byte
	err = retryWithBackoff(ctx, c.logger, c.config.Retry, func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		state, err := c.rateLimiter.Wait(ctx)
		if err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		body, err = c.do(ctx, command, form, attempt)
		if err != nil {
			errClass := classify(err)
			captureErrorsTotal.WithLabelValues(string(errClass)).Inc()
			if errClass == ErrorClassRateLimit {
				if _, rlErr := c.rateLimiter.RecordRateLimited(ctx); rlErr != nil {
					c.logger.Warn().Err(rlErr).Msg("Failed to record rate limit state")
				}
			}
			return err
		}

		if err := c.rateLimiter.RecordSuccess(ctx, state); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to reset rate limit state")
		}
		return nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("command", command).Msg("Capture call failed")
		return err
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &TransportError{Command: command, StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// do executes a single attempt and returns the body of a stat=ok response.
func (c *Client) do(ctx context.Context, command string, form url.Values, attempt int) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(attempt)*c.config.Timeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath(command).String()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		captureRequestsTotal.WithLabelValues(command, "network_error").Inc()
		c.logger.Warn().Err(err).Str("command", command).Int("attempt", attempt).Msg("HTTP request failed")
		return nil, &TransportError{Command: command, Err: err}
	}
	defer resp.Body.Close()

	captureRequestsTotal.WithLabelValues(command, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := httpStatusError(command, resp.StatusCode, string(errBody))
		c.logger.Warn().
			Str("command", command).
			Int("status", resp.StatusCode).
			Str("error_class", string(classify(err))).
			Msg("Capture HTTP error")
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Command: command, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &TransportError{Command: command, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if env.Stat != "ok" {
		message := env.ErrorDescription
		if message == "" {
			message = env.Error
		}
		apiErr := newAPIError(command, env.Code, message)
		c.logger.Error().
			Str("command", command).
			Int("code", env.Code).
			Str("kind", string(apiErr.Kind)).
			Msg("Capture API error")
		return nil, apiErr
	}

	return body, nil
}

// encodeParams builds the form body. Strings are sent as-is, everything
// else JSON encoded. Credentials are always added.
func (c *Client) encodeParams(params map[string]any) (url.Values, error) {
	form := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			form.Set(key, v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("param %s: %w", key, err)
			}
			form.Set(key, string(encoded))
		}
	}
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	return form, nil
}

// cacheKey returns the app cache key of path.
func (c *Client) cacheKey(path string) cache.CacheKey {
	return cache.CacheKey{App: c.baseURL.Host, Path: path}
}

// loadCached reads path from the app cache. It reports false on a miss,
// when no cache is configured, and on cache errors (which are logged).
func (c *Client) loadCached(ctx context.Context, path string, out any) bool {
	if c.cache == nil {
		return false
	}
	err := c.cache.Load(ctx, c.cacheKey(path), out)
	if err == nil {
		c.logger.Debug().Str("path", path).Msg("App cache hit")
		return true
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("path", path).Msg("App cache get error")
	}
	return false
}

// storeCached writes value to the app cache; failures are logged only.
func (c *Client) storeCached(ctx context.Context, path string, value any) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Store(ctx, c.cacheKey(path), value, c.config.CacheTTL); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("Failed to cache value")
	}
}

// InvalidateCache drops path and everything below it from the app cache.
// An empty path clears the whole app cache.
func (c *Client) InvalidateCache(ctx context.Context, path string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, c.cacheKey(path))
}

// Close closes the client and releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// RateLimiter returns the rate limit tracker (for testing).
func (c *Client) RateLimiter() *ratelimit.Tracker {
	return c.rateLimiter
}
