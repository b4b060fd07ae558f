package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"bilifetch/internal"
)

// RetryConfig bounds the retry loop around API requests.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent float64
}

// DefaultRetryConfig returns the retry policy used when the caller supplies
// none: three attempts, doubling delay from one second, ±10% jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 0.1,
	}
}

// HTTPClientConfig configures an HTTPClient. A zero Timeout leaves the client
// without a whole-request deadline; range transfers rely on the engine's idle
// timeout instead.
type HTTPClientConfig struct {
	Timeout     time.Duration
	ProxyURL    string
	UserAgent   string
	Referer     string
	RetryConfig *RetryConfig
}

// HTTPClient wraps http.Client with the platform's required headers and a
// bounded retry loop for API calls. The user agent is fixed per process: the
// platform correlates it with the fingerprint cookies, so rotating it
// mid-session invites risk control.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	referer   string
	retry     *RetryConfig
}

// NewHTTPClientWithConfig creates an HTTP client. An http, https, or socks5
// proxy URL routes all traffic through the proxy; a bad proxy URL is logged
// and ignored rather than failing the run.
func NewHTTPClientWithConfig(config *HTTPClientConfig) *HTTPClient {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, config.ProxyURL); err != nil {
			internal.LogWarn("Failed to configure proxy %s: %v", config.ProxyURL, err)
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = internal.DefaultConfig().UserAgent
	}

	return &HTTPClient{
		client:    client,
		userAgent: userAgent,
		referer:   config.Referer,
		retry:     config.RetryConfig,
	}
}

// configureProxy routes the transport through proxyURL.
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}

	return nil
}

// stampDefaultHeaders applies the headers every outbound request carries.
// Already-set headers win, so callers can override per request. No explicit
// Accept-Encoding: Go's transport handles gzip transparently only when it set
// the header itself.
func (c *HTTPClient) stampDefaultHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.referer != "" && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", c.referer)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, text/plain, */*")
	}
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Connection", "keep-alive")
}

// GetWithContext performs a GET with the retry loop and API status mapping.
// Extra headers are applied before the defaults are stamped.
func (c *HTTPClient) GetWithContext(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		for key, value := range headers {
			req.Header.Set(key, value)
		}
		c.stampDefaultHeaders(req)
		internal.GetLogger().LogHTTPRequest(req)

		return c.client.Do(req)
	})
}

// GetNoRedirect performs a single GET that does not follow redirects, so the
// caller can inspect the Location header. No retry wrapping is applied.
func (c *HTTPClient) GetNoRedirect(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	c.stampDefaultHeaders(req)
	internal.GetLogger().LogHTTPRequest(req)

	noRedirect := *c.client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return noRedirect.Do(req)
}

// Do executes a prepared request after stamping the default headers. No
// retry or status mapping is applied; range workers implement their own
// bounded retry.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.stampDefaultHeaders(req)
	return c.client.Do(req)
}

// doWithRetry runs fn up to MaxAttempts times with jittered exponential
// backoff between attempts. Transport errors retry when transient; response
// statuses are mapped so callers see a typed error instead of a status code.
func (c *HTTPClient) doWithRetry(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoffDelay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := fn()
		if err != nil {
			if !isTransientError(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		done, err := c.mapStatus(resp)
		if done {
			return resp, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// mapStatus translates an API response status into the retry decision. The
// returned bool reports whether the loop should stop: either the response is
// usable or the failure is permanent.
func (c *HTTPClient) mapStatus(resp *http.Response) (bool, error) {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return true, nil
	case resp.StatusCode == http.StatusPreconditionFailed:
		// Risk control rejected the request signature or fingerprint.
		resp.Body.Close()
		return true, internal.NewAPIError(resp.StatusCode, "request blocked by risk control")
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return false, internal.NewBiliError(resp.StatusCode, "rate limited", internal.ErrNetwork)
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return true, internal.NewAuthRequiredError("authentication required")
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return false, internal.NewBiliError(resp.StatusCode, "server error", internal.ErrInvalidResponse)
	default:
		resp.Body.Close()
		return true, internal.NewBiliError(resp.StatusCode, "client error", internal.ErrInvalidResponse)
	}
}

// backoffDelay returns the wait before retry number attempt (1-based):
// BaseDelay doubled per attempt, jittered, capped at MaxDelay.
func (c *HTTPClient) backoffDelay(attempt int) time.Duration {
	delay := c.retry.BaseDelay << uint(attempt-1)
	if delay > c.retry.MaxDelay || delay <= 0 {
		delay = c.retry.MaxDelay
	}

	if c.retry.JitterPercent > 0 {
		span := float64(delay) * c.retry.JitterPercent
		delay += time.Duration(span * (rand.Float64()*2 - 1))
	}
	if delay < 0 {
		delay = c.retry.BaseDelay
	}
	return delay
}

// isTransientError reports whether a transport error is worth retrying.
// Cancellation is never transient; timeouts and connection-level failures
// are.
func isTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var biliErr *internal.BiliError
	if errors.As(err, &biliErr) {
		return biliErr.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Dial, reset, and DNS failures surface as OpErrors.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
