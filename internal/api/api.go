// Package api is the authenticated HTTP client for a running backend
// instance's control surface: environment variable updates and ad-hoc
// function invocation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Endpoints of the backend's control surface.
const (
	updateEnvPath   = "/api/update_environment_variables"
	runFunctionPath = "/api/run_function"
)

// requestTimeout is the per-call timeout when the caller's context carries
// no deadline. The backend is local; anything slower is stuck.
const requestTimeout = 30 * time.Second

// maxErrorBodyBytes bounds how much of an error response body is captured
// into a CallError.
const maxErrorBodyBytes = 8 << 10

// EnvVar is one environment variable change applied to the instance.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CallError is returned for any non-success response from the backend. It
// carries the HTTP status and response body so the caller can diagnose
// without re-issuing the call.
type CallError struct {
	Status int
	Body   string
}

func (e *CallError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("backend call failed: status %d", e.Status)
	}
	return fmt.Sprintf("backend call failed: status %d: %s", e.Status, body)
}

// Client issues authenticated calls against one backend instance. The zero
// value is not usable; construct with New.
type Client struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

// New creates a Client for the instance at baseURL, authenticating with
// adminKey. If httpClient is nil, a client with a sane local timeout is
// used. Calls are never retried; transient failures are the caller's to
// handle.
func New(baseURL, adminKey string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if adminKey == "" {
		return nil, errors.New("admin key must not be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		adminKey: adminKey,
		http:     httpClient,
	}, nil
}

// UpdateEnvironmentVariables replaces the named environment variables on
// the instance.
func (c *Client) UpdateEnvironmentVariables(ctx context.Context, changes []EnvVar) error {
	body := struct {
		Changes []EnvVar `json:"changes"`
	}{Changes: changes}

	return c.post(ctx, updateEnvPath, body, nil)
}

// RunFunction invokes the named function on the instance with the given
// arguments and decodes its result into the value field of the response.
// The args value must marshal to a JSON object; nil sends an empty object.
func (c *Client) RunFunction(ctx context.Context, path string, args any) (json.RawMessage, error) {
	if path == "" {
		return nil, errors.New("function path must not be empty")
	}
	if args == nil {
		args = struct{}{}
	}
	body := struct {
		Path   string `json:"path"`
		Format string `json:"format"`
		Args   any    `json:"args"`
	}{Path: path, Format: "json", Args: args}

	var out struct {
		Value json.RawMessage `json:"value"`
	}
	if err := c.post(ctx, runFunctionPath, body, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// post issues an authenticated JSON POST and decodes the response into out
// (skipped when out is nil). Non-2xx responses become a *CallError.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if readErr != nil {
			respBody = []byte(fmt.Sprintf("<failed to read body: %v>", readErr))
		}
		return &CallError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
