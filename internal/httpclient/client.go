// Package httpclient provides the shared HTTP client factory. Every vendor
// adapter gets the same timeout, pooling, retry, and default-header policy,
// with per-client and per-request overrides for vendor quirks.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// Config holds the shared client defaults. Zero values fall back to the
// package defaults below.
type Config struct {
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	MaxConnsPerHost int
	MaxIdleConns    int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxConcurrency  int               // 0 means unlimited
	UserAgent       string
	Headers         map[string]string // Extra default headers
	CookieJar       bool              // Attach a cookie jar (session-oriented vendors)
}

const (
	defaultTimeout         = 30 * time.Second
	defaultConnectTimeout  = 10 * time.Second
	defaultMaxConnsPerHost = 16
	defaultMaxIdleConns    = 64
	defaultMaxRetries      = 3
	defaultBackoffBase     = 250 * time.Millisecond
	defaultBackoffMax      = 5 * time.Second
	defaultUserAgent       = "equity-aggregator/1.0"
)

// Client wraps http.Client with default headers, bounded concurrency, and
// retry on transient failures.
type Client struct {
	client     *http.Client
	headers    map[string]string
	retries    int
	backoff    time.Duration
	backoffMax time.Duration
	semaphore  chan struct{}
}

// New builds a client from cfg, applying package defaults for unset fields.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
	if cfg.CookieJar {
		jar, err := cookiejar.New(nil)
		if err == nil {
			httpClient.Jar = jar
		}
	}

	// Accept-Encoding is left to the transport so gzip responses are
	// decompressed transparently.
	headers := map[string]string{
		"Accept":          "application/json, text/plain, */*",
		"Accept-Language": "en-US,en;q=0.9",
		"User-Agent":      cfg.UserAgent,
		"Connection":      "keep-alive",
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	var semaphore chan struct{}
	if cfg.MaxConcurrency > 0 {
		semaphore = make(chan struct{}, cfg.MaxConcurrency)
	}

	return &Client{
		client:     httpClient,
		headers:    headers,
		retries:    cfg.MaxRetries,
		backoff:    cfg.BackoffBase,
		backoffMax: cfg.BackoffMax,
		semaphore:  semaphore,
	}
}

// Do executes the request with default headers, the concurrency cap, and
// retry with exponential backoff on transient failures. Request headers
// already set by the caller are preserved.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.semaphore != nil {
		select {
		case c.semaphore <- struct{}{}:
			defer func() { <-c.semaphore }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for key, value := range c.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.calculateBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The previous attempt consumed the body; rewind it
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return nil, err
		}

		if isRetryableStatus(resp.StatusCode) && attempt < c.retries {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.backoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.backoffMax {
		backoff = c.backoffMax
	}
	// Up to 10% jitter
	jitter := time.Duration(rand.Float64() * 0.1 * float64(backoff))
	return backoff + jitter
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"network is unreachable",
		"no such host",
	} {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
