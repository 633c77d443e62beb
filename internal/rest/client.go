// Package rest is the REST collaborator of the WebSocket client. The
// connectivity layer needs exactly one endpoint from it: GetWebSocketsToken,
// which issues the short-lived token the private socket authenticates with.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
)

const tokenPath = "/0/private/GetWebSocketsToken"

// APIError is an error returned by the exchange REST API.
type APIError struct {
	StatusCode int
	Errors     []string
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("kraken api error %d: %s", e.StatusCode, strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("kraken api error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable reports whether the error should trigger a retry. Nonce and
// rate-limit errors clear on their own; everything else in the error array
// (bad key, permission denied) will not.
func (e *APIError) IsRetryable() bool {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	for _, msg := range e.Errors {
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "nonce") ||
			strings.Contains(lower, "rate limit") ||
			strings.Contains(lower, "unavailable") {
			return true
		}
	}
	return false
}

// Client calls the exchange REST API with API-Sign authentication.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   uint
	retryBackoff time.Duration

	// Monotonic nonce. Seeded from the wall clock; bumped by at least one
	// per request so bursts never reuse a value.
	nonce atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a REST client. The secret is the base64 API secret as
// issued by the exchange.
func NewClient(baseURL, apiKey, apiSecret string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}
	c.nonce.Store(time.Now().UnixMicro())

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max uint, initialBackoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = initialBackoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// envelope is the standard Kraken REST response wrapper.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type tokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

// GetWebSocketsToken requests a WebSocket authentication token. Implements
// token.RESTClient.
func (c *Client) GetWebSocketsToken(ctx context.Context) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBackoff

	result, err := backoff.Retry(ctx, func() (tokenResult, error) {
		var res tokenResult
		if err := c.doPrivate(ctx, tokenPath, &res); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.IsRetryable() {
				return res, backoff.Permanent(err)
			}
			c.logger.Debug("token request failed, will retry", "error", err)
			return res, err
		}
		return res, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxRetries+1))
	if err != nil {
		return "", err
	}

	c.logger.Debug("websocket token issued", "expires_in", result.Expires)
	return result.Token, nil
}

// doPrivate performs one signed POST to a private endpoint and decodes the
// result into out.
func (c *Client) doPrivate(ctx context.Context, path string, out any) error {
	nonce := strconv.FormatInt(c.nextNonce(), 10)
	form := "nonce=" + nonce

	sig, err := sign(c.apiSecret, path, nonce, form)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", sig)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if len(env.Error) > 0 {
		return &APIError{StatusCode: resp.StatusCode, Errors: env.Error}
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("parse result: %w", err)
	}
	return nil
}

// nextNonce returns a strictly increasing nonce.
func (c *Client) nextNonce() int64 {
	for {
		prev := c.nonce.Load()
		next := time.Now().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if c.nonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}
