// Package policy is the client for the external decision service. The
// service is consulted, never trusted: its output is validated, sanitized
// against a fixed per-environment safety table, and every transport failure
// collapses to a noop. The agent never guesses when the service misbehaves.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawinfra/opsclaw/internal/memory"
	"github.com/clawinfra/opsclaw/internal/types"
)

// HTTPClient is the transport interface, so tests can mock HTTP calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is the payload sent to POST /decision.
type Request struct {
	Entity  string             `json:"entity"`
	Env     string             `json:"env"`
	State   string             `json:"state"`
	Signals map[string]float64 `json:"signals,omitempty"`
	Memory  memory.Context     `json:"memory"`
}

// rawResponse is the wire shape of the service's answer: an action index
// into the closed vocabulary (0-4) and a confidence in [0,1].
type rawResponse struct {
	Action     int     `json:"action"`
	Confidence float64 `json:"confidence"`
}

// Response is the validated, sanitized decision. Sanitized is set when the
// raw answer was replaced or adjusted; Reason says why.
type Response struct {
	Action     types.Action
	Confidence float64
	Sanitized  bool
	Reason     string
}

// Client talks to the decision service.
type Client struct {
	baseURL    string
	http       HTTPClient
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the transport, for tests.
func WithHTTPClient(h HTTPClient) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a decision-service client. Zero values take the
// defaults: 5s timeout, 3 attempts, 500ms initial backoff.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryDelay time.Duration, logger *slog.Logger, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: timeout},
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With("component", "policy"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Decide asks the service for an action. Transport failures are retried with
// exponential backoff up to the attempt limit, then returned as a
// *TransportError. A successful response is validated and sanitized before
// it is returned; the caller can act on Response without further checks.
func (c *Client) Decide(ctx context.Context, req Request) (Response, error) {
	env, err := types.ParseEnv(req.Env)
	if err != nil {
		return Response{}, fmt.Errorf("decision request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal decision request: %w", err)
	}

	var raw rawResponse
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/decision", bytes.NewReader(body))
		if err != nil {
			return &TransportError{Kind: ErrKindConnection, Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			kind := ErrKindConnection
			if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
				kind = ErrKindTimeout
			}
			return &TransportError{Kind: kind, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return &TransportError{Kind: ErrKindHTTPStatus, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return &TransportError{Kind: ErrKindBadPayload, Err: err}
		}
		return nil
	}

	if err := retry(ctx, c.maxRetries, c.retryDelay, attempt); err != nil {
		c.logger.Warn("decision service unavailable", "entity", req.Entity, "error", err)
		return Response{}, err
	}

	resp := sanitize(env, raw)
	if resp.Sanitized {
		c.logger.Warn("decision sanitized", "entity", req.Entity, "reason", resp.Reason,
			"raw_action", raw.Action, "action", resp.Action.String())
	}
	return resp, nil
}

// Health probes GET /status on the decision service.
func (c *Client) Health(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return &TransportError{Kind: ErrKindConnection, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		kind := ErrKindConnection
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			kind = ErrKindTimeout
		}
		return &TransportError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Kind: ErrKindHTTPStatus, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
