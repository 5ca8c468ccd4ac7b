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
)

// TokenSource supplies the current bearer token. An empty string means no
// credential is available.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to a TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// StaticToken is a TokenSource with a fixed value, mainly for tests.
type StaticToken string

func (s StaticToken) Token() string { return string(s) }

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the backend API root (e.g. "http://localhost:3000/api").
	BaseURL string
	// Tokens supplies the bearer token per request. Required for all
	// authenticated endpoints; sign-in/sign-up work without one.
	Tokens TokenSource
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the community backend's REST API. All responses use the
// uniform {status, message, data} envelope except the auth endpoints.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the given backend.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = TokenFunc(func() string { return "" })
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// doEnvelope performs an authenticated request against an envelope endpoint
// and returns the envelope's data payload. A request with no token available
// fails with *AuthError before touching the network.
func (c *Client) doEnvelope(ctx context.Context, method, path string, requestBody any, out any) error {
	token := c.tokens.Token()
	if token == "" {
		return &AuthError{Reason: "no authentication token available"}
	}
	return c.do(ctx, method, path, token, requestBody, out)
}

// do performs an HTTP request and decodes the response envelope. On success
// the envelope's data payload is unmarshalled into out (out may be nil when
// the endpoint returns no data). Errors are mapped to the three error kinds:
// 401/403 to *AuthError, 404 to *NotFoundError, everything else (including
// a 2xx carrying a FAIL envelope) to *TransportError.
func (c *Client) do(ctx context.Context, method, path, token string, requestBody any, out any) error {
	op := method + " " + path

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("api: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	var env envelope
	if looksLikeJSON(respBody) {
		// Tolerate a non-envelope body; the status checks below handle it.
		_ = json.Unmarshal(respBody, &env)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Warn("request rejected", "op", op, "status", resp.StatusCode)
		return &AuthError{Reason: nonEmpty(env.Message, "request rejected by backend")}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Resource: "resource", ID: path}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Debug("request failed", "op", op, "status", resp.StatusCode)
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: nonEmpty(env.Message, string(respBody))}
	}

	if !env.ok() {
		c.logger.Debug("backend envelope reported failure", "op", op, "message", env.Message)
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Message: nonEmpty(env.Message, "backend reported failure")}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("api: decode %s response: %w", op, err)
		}
	}
	return nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
