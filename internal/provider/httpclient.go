package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the JSON transport shared by HTTP rails. Every failure it
// returns is an *Error.
type HTTPClient struct {
	rail    Name
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a client for one rail.
func NewHTTPClient(rail Name, baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		rail:    rail,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Call is one JSON request.
type Call struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    any
	// Form, when set, is sent as application/x-www-form-urlencoded instead of Body.
	Form string
}

// Do sends the call and decodes a 2xx body into out. It returns the raw
// response body so callers can keep the verbatim provider payload.
func (c *HTTPClient) Do(ctx context.Context, call Call, out any) (json.RawMessage, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case call.Form != "":
		body = strings.NewReader(call.Form)
		contentType = "application/x-www-form-urlencoded"
	case call.Body != nil:
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, c.baseURL+call.Path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transport(c.rail, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Transport(c.rail, err)
	}

	if resp.StatusCode >= 300 {
		c.logger.Warn("provider returned error status",
			"provider", c.rail,
			"path", call.Path,
			"status", resp.StatusCode,
		)
		return raw, Rejected(c.rail, resp.StatusCode, errorMessage(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, Transport(c.rail, fmt.Errorf("decode response: %w", err))
		}
	}
	return raw, nil
}

// errorMessage pulls a human-readable message out of a rail error body.
func errorMessage(raw []byte) string {
	var body struct {
		Message     string `json:"message"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Description != "":
		return body.Description
	default:
		return body.Error
	}
}
