// Package apiclient provides an HTTP client for the platform REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/botconsole/internal/domain"
)

// DefaultTimeout bounds every request unless overridden.
const DefaultTimeout = 15 * time.Second

// TokenStore supplies and clears the bearer token.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	ClearToken(ctx context.Context) error
}

// StaticToken is a TokenStore backed by a fixed token. Clearing it is a no-op.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// ClearToken does nothing.
func (t StaticToken) ClearToken(context.Context) error { return nil }

// Client is an HTTP client for the platform API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	tokens         TokenStore
	logger         *slog.Logger
	onUnauthorized func()

	infoMu sync.Mutex
	info   *domain.SystemInfo
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithTokenStore sets where the bearer token comes from.
func WithTokenStore(ts TokenStore) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUnauthorizedHandler registers a hook that runs after a 401 has cleared
// the stored token.
func WithUnauthorizedHandler(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// New creates a new platform client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		tokens: StaticToken(""),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the platform base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TokenStore returns the configured token source.
func (c *Client) TokenStore() TokenStore {
	return c.tokens
}

// envelope is the wrapper around every API response.
type envelope struct {
	Code      int             `json:"code"`
	Msg       string          `json:"msg"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func (e envelope) text() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

type requestOptions struct {
	// tokenCheck marks the token validation call; a 401 there must not
	// clear the token or fire the unauthorized hook.
	tokenCheck bool
}

// do performs a request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any, opts requestOptions) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("platform request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: env.Code, Data: env.Data}
		if decodeErr == nil && env.text() != "" {
			apiErr.Message = env.text()
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusUnauthorized && !opts.tokenCheck {
			c.handleUnauthorized(ctx)
		}
		c.logger.Warn("platform returned error", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		return apiErr
	}

	if decodeErr != nil {
		return fmt.Errorf("failed to decode response envelope: %w", decodeErr)
	}
	if env.Code != 0 {
		apiErr := &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.text(), Data: env.Data}
		c.logger.Warn("platform returned error", "method", method, "path", path, "code", env.Code, "error", apiErr.Message)
		return apiErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *Client) handleUnauthorized(ctx context.Context) {
	if err := c.tokens.ClearToken(ctx); err != nil {
		c.logger.Warn("failed to clear token after 401", "error", err)
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized()
	}
}

// APIError is a normalized platform failure.
type APIError struct {
	Status  int
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ErrUnauthorized matches any 401 APIError.
var ErrUnauthorized = errors.New("unauthorized")
