// Package backend is an HTTP implementation of lifecycle.Backend.
//
// It speaks a small JSON protocol:
//
//	POST {BaseURL}/sessions/{id}/extend     -> 200 {"expiresAt": "<RFC 3339>"}
//	POST {BaseURL}/sessions/{id}/heartbeat  <- {"sessionId": "...", "timestamp": "<RFC 3339>"}
//
// Any non-2xx response is a failure reported as *StatusError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/session-lifecycle-go/lifecycle"
)

var (
	ErrUnexpectedStatus      = errors.New("backend: unexpected status")
	ErrUnexpectedContentType = errors.New("backend: unexpected content type")
	ErrInvalidResponse       = errors.New("backend: invalid response")
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// StatusError reports a non-2xx response. It matches ErrUnexpectedStatus.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Config locates the session backend.
type Config struct {
	// BaseURL is the root the session paths are appended to.
	// ENV: BACKEND_URL
	BaseURL string `env:"BACKEND_URL,required"`
	// Timeout bounds each request. ENV: BACKEND_TIMEOUT
	Timeout time.Duration `env:"BACKEND_TIMEOUT,default=5s"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("backend config: %w", err)
	}
	return cfg, nil
}

type Option func(*Client)

// WithHTTPClient replaces the default *http.Client. Config.Timeout is not
// applied to a client supplied this way.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client calls the session backend over HTTP. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

var _ lifecycle.Backend = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base url %q must be http or https", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// NewFromEnv builds a Client from BACKEND_URL and BACKEND_TIMEOUT.
func NewFromEnv(opts ...Option) (*Client, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

type extendResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type heartbeatRequest struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtendSession asks the backend for a new expiration instant.
func (c *Client) ExtendSession(ctx context.Context, sessionID string) (time.Time, error) {
	var out extendResponse
	if err := c.post(ctx, c.sessionPath(sessionID, "extend"), nil, &out); err != nil {
		return time.Time{}, err
	}
	if out.ExpiresAt.IsZero() {
		return time.Time{}, fmt.Errorf("%w: missing expiresAt", ErrInvalidResponse)
	}
	return out.ExpiresAt, nil
}

// Heartbeat reports that the session is still in use at the given instant.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	return c.post(ctx, c.sessionPath(sessionID, "heartbeat"), heartbeatRequest{SessionID: sessionID, Timestamp: at.UTC()}, nil)
}

func (c *Client) sessionPath(sessionID, action string) string {
	return c.base + "/sessions/" + url.PathEscape(sessionID) + "/" + action
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "backend.request.error", slog.String("url", endpoint), slog.String("err", err.Error()))
		return fmt.Errorf("backend: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	c.log.DebugContext(ctx, "backend.request",
		slog.String("url", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if ct := contenttype.NewMediaType(resp.Header.Get("Content-Type")); !ct.Matches(jsonMediaType) {
		return fmt.Errorf("%w: %q", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return nil
}
