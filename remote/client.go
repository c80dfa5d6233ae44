// Package remote is the engine's client for the mutation endpoint contract:
// entity-mutating endpoints accept an expected version alongside the payload
// and answer with the new version, a conflict carrying the server's current
// state, or field-level validation errors.
//
// The transport failure taxonomy lives here too — the orchestrator and the
// cache layer both classify through this package rather than inspecting
// HTTP status codes themselves.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Request is one mutation to deliver.
type Request struct {
	Method   string
	Endpoint string // path relative to the base URL
	Payload  json.RawMessage
	// ExpectedVersion is the entity version this mutation assumes.
	// Sent when HasExpectedVersion is true.
	ExpectedVersion    int64
	HasExpectedVersion bool
}

// Response is a confirmed server answer.
type Response struct {
	Status  int
	Version int64 // server-issued entity version, 0 when the endpoint has none
	Payload json.RawMessage
}

// Doer executes one request. The Client's Do is the base Doer; middleware
// (timeout, retry, breaker) composes on top.
type Doer func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a Doer with additional behaviour.
type Middleware func(next Doer) Doer

// Chain applies middlewares so the first listed is the outermost.
func Chain(base Doer, mws ...Middleware) Doer {
	for i := len(mws) - 1; i >= 0; i-- {
		base = mws[i](base)
	}
	return base
}

// Options configures a Client.
type Options struct {
	// HTTPClient overrides the default client. The transport's own timeout
	// semantics apply; a timeout classifies as a network failure.
	HTTPClient *http.Client
	// Headers are added to every request (auth token, client id).
	Headers map[string]string
}

// Client talks to the remote API.
type Client struct {
	base    string
	http    *http.Client
	headers map[string]string
}

// New creates a client for the API at base (scheme://host[:port]).
func New(base string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: base, http: hc, headers: opts.Headers}
}

// conflictBody is the shape of a conflict response: the server's current
// version and payload, so the local cache can be refreshed.
type conflictBody struct {
	CurrentVersion int64           `json:"current_version"`
	Payload        json.RawMessage `json:"payload"`
}

type successBody struct {
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

type validationBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// Do executes the request and classifies the outcome. Transport failures
// and retry-worthy statuses come back as *ErrNetwork; version conflicts as
// *ErrConflict; permanent rejections as *ErrValidation.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.base+req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.HasExpectedVersion {
		httpReq.Header.Set("X-Expected-Version", strconv.FormatInt(req.ExpectedVersion, 10))
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ErrNetwork{Endpoint: req.Endpoint, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &ErrNetwork{Endpoint: req.Endpoint, Cause: err}
	}

	return classify(req.Endpoint, resp.StatusCode, raw)
}

func classify(endpoint string, status int, raw []byte) (*Response, error) {
	switch {
	case status >= 200 && status < 300:
		var ok successBody
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ok); err != nil {
				// Non-JSON success bodies pass through as opaque payload.
				ok.Payload = json.RawMessage(raw)
			}
		}
		return &Response{Status: status, Version: ok.Version, Payload: ok.Payload}, nil

	case status == http.StatusConflict:
		var cb conflictBody
		_ = json.Unmarshal(raw, &cb)
		return nil, &ErrConflict{Endpoint: endpoint, CurrentVersion: cb.CurrentVersion, ServerPayload: cb.Payload}

	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest ||
		status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound:
		var vb validationBody
		_ = json.Unmarshal(raw, &vb)
		return nil, &ErrValidation{Endpoint: endpoint, Status: status, Fields: vb.Errors, Message: vb.Message}

	default:
		// 5xx, 408, 429 and anything unidentified: assume transient.
		return nil, &ErrNetwork{Endpoint: endpoint, Cause: fmt.Errorf("http %d", status)}
	}
}
