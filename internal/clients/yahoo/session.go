// Package yahoo provides the enrichment vendor client: a crumb-authenticated
// session over the shared HTTP client plus a symbol lookup that fills the
// gaps source feeds leave (market cap, missing prices, identifiers).
package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/equity-aggregator/internal/httpclient"
)

const (
	defaultQueryURL = "https://query1.finance.yahoo.com"
	defaultWebURL   = "https://finance.yahoo.com"

	// DefaultMaxStreams caps concurrent requests on one session, staying
	// under the vendor's HTTP/2 stream limit.
	DefaultMaxStreams = 100
)

// Session is one authenticated connection to the vendor: a cookie jar plus a
// lazily-acquired crumb token that must accompany every /v10/ and /v7/ call.
type Session struct {
	httpClient *httpclient.Client
	queryURL   string
	webURL     string
	semaphore  chan struct{}
	log        zerolog.Logger

	mu    sync.Mutex
	crumb string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithEndpoints overrides the vendor endpoints (used in tests).
func WithEndpoints(queryURL, webURL string) SessionOption {
	return func(s *Session) {
		s.queryURL = queryURL
		s.webURL = webURL
	}
}

// WithMaxStreams overrides the concurrent request cap.
func WithMaxStreams(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.semaphore = make(chan struct{}, n)
		}
	}
}

// NewSession creates a session with its own cookie jar.
func NewSession(log zerolog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		httpClient: httpclient.New(httpclient.Config{CookieJar: true}),
		queryURL:   defaultQueryURL,
		webURL:     defaultWebURL,
		semaphore:  make(chan struct{}, DefaultMaxStreams),
		log:        log.With().Str("component", "yahoo").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases pooled connections.
func (s *Session) Close() {
	s.httpClient.CloseIdleConnections()
}

// get fetches path with query params. Paths under /v10/ and /v7/ require the
// crumb; a 401 there invalidates the session, which is re-bootstrapped and
// the call retried exactly once.
func (s *Session) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	authenticated := strings.HasPrefix(path, "/v10/") || strings.HasPrefix(path, "/v7/")

	body, status, err := s.fetch(ctx, path, query, authenticated)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && authenticated {
		s.log.Debug().Str("path", path).Msg("Session rejected, re-acquiring crumb")
		s.invalidateCrumb()
		body, status, err = s.fetch(ctx, path, query, authenticated)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("vendor returned status %d for %s", status, path)
	}
	return body, nil
}

func (s *Session) fetch(ctx context.Context, path string, query url.Values, authenticated bool) ([]byte, int, error) {
	params := url.Values{}
	for k, v := range query {
		params[k] = v
	}
	if authenticated {
		crumb, err := s.ensureCrumb(ctx)
		if err != nil {
			return nil, 0, err
		}
		params.Set("crumb", crumb)
	}

	endpoint := s.queryURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// ensureCrumb returns the session crumb, bootstrapping the session on first
// use: warm-up GETs against the public pages seed the cookie jar, then the
// crumb endpoint issues the token tied to those cookies.
func (s *Session) ensureCrumb(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.crumb != "" {
		return s.crumb, nil
	}

	for _, warmup := range []string{s.webURL + "/", s.webURL + "/quote/AAPL"} {
		req, err := http.NewRequest(http.MethodGet, warmup, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create warm-up request: %w", err)
		}
		resp, err := s.httpClient.Do(ctx, req)
		if err != nil {
			return "", fmt.Errorf("session warm-up failed: %w", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	req, err := http.NewRequest(http.MethodGet, s.queryURL+"/v1/test/getcrumb", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create crumb request: %w", err)
	}
	resp, err := s.httpClient.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("crumb request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("crumb request returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read crumb: %w", err)
	}

	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return "", fmt.Errorf("vendor issued an empty crumb")
	}

	s.crumb = crumb
	s.log.Debug().Msg("Acquired session crumb")
	return s.crumb, nil
}

func (s *Session) invalidateCrumb() {
	s.mu.Lock()
	s.crumb = ""
	s.mu.Unlock()
}
