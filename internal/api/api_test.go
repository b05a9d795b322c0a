package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// recordedRequest captures what the stub backend received.
type recordedRequest struct {
	path string
	auth string
	body map[string]any
}

// stubBackend answers every request with the given status and body, and
// records what it received.
func stubBackend(t *testing.T, status int, respBody string) (*Client, *recordedRequest) {
	t.Helper()

	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.path = r.URL.Path
		rec.auth = r.Header.Get("Authorization")

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		if err := json.Unmarshal(raw, &rec.body); err != nil {
			t.Errorf("decode request body %q: %v", raw, err)
		}

		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)

	client, err := New(srv.URL, "inst-1|abc123", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, rec
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "key", nil); err == nil {
		t.Error("expected error for empty base url")
	}
	if _, err := New("http://127.0.0.1:3210", "", nil); err == nil {
		t.Error("expected error for empty admin key")
	}
}

func TestUpdateEnvironmentVariables(t *testing.T) {
	t.Parallel()

	client, rec := stubBackend(t, http.StatusOK, `{}`)

	err := client.UpdateEnvironmentVariables(context.Background(), []EnvVar{
		{Name: "API_KEY", Value: "xyz"},
		{Name: "DEBUG", Value: "1"},
	})
	if err != nil {
		t.Fatalf("UpdateEnvironmentVariables: %v", err)
	}

	if rec.path != "/api/update_environment_variables" {
		t.Errorf("path = %q, want /api/update_environment_variables", rec.path)
	}
	if rec.auth != "Bearer inst-1|abc123" {
		t.Errorf("Authorization = %q, want bearer admin key", rec.auth)
	}
	changes, ok := rec.body["changes"].([]any)
	if !ok || len(changes) != 2 {
		t.Fatalf("request body changes = %v, want 2 entries", rec.body["changes"])
	}
	first, ok := changes[0].(map[string]any)
	if !ok || first["name"] != "API_KEY" || first["value"] != "xyz" {
		t.Errorf("first change = %v, want API_KEY=xyz", changes[0])
	}
}

func TestUpdateEnvironmentVariables_ErrorCarriesStatusAndBody(t *testing.T) {
	t.Parallel()

	client, _ := stubBackend(t, http.StatusForbidden, "invalid admin key")

	err := client.UpdateEnvironmentVariables(context.Background(), []EnvVar{{Name: "A", Value: "b"}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error type = %T, want *CallError", err)
	}
	if callErr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", callErr.Status)
	}
	if callErr.Body != "invalid admin key" {
		t.Errorf("Body = %q, want response body", callErr.Body)
	}
	// The rendered message carries both, so plain error logging is enough
	// to diagnose.
	msg := err.Error()
	if !strings.Contains(msg, "403") || !strings.Contains(msg, "invalid admin key") {
		t.Errorf("message %q should contain status and body", msg)
	}
}

func TestRunFunction(t *testing.T) {
	t.Parallel()

	client, rec := stubBackend(t, http.StatusOK, `{"value": {"count": 42}}`)

	value, err := client.RunFunction(context.Background(), "messages:count", map[string]any{"channel": "general"})
	if err != nil {
		t.Fatalf("RunFunction: %v", err)
	}

	if rec.path != "/api/run_function" {
		t.Errorf("path = %q, want /api/run_function", rec.path)
	}
	if rec.body["path"] != "messages:count" {
		t.Errorf("body path = %v, want messages:count", rec.body["path"])
	}
	if rec.body["format"] != "json" {
		t.Errorf("body format = %v, want json", rec.body["format"])
	}
	args, ok := rec.body["args"].(map[string]any)
	if !ok || args["channel"] != "general" {
		t.Errorf("body args = %v, want channel=general", rec.body["args"])
	}

	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(value, &decoded); err != nil {
		t.Fatalf("decode value %q: %v", value, err)
	}
	if decoded.Count != 42 {
		t.Errorf("count = %d, want 42", decoded.Count)
	}
}

func TestRunFunction_DefaultsToEmptyArgs(t *testing.T) {
	t.Parallel()

	client, rec := stubBackend(t, http.StatusOK, `{"value": null}`)

	if _, err := client.RunFunction(context.Background(), "tasks:list", nil); err != nil {
		t.Fatalf("RunFunction: %v", err)
	}
	args, ok := rec.body["args"].(map[string]any)
	if !ok || len(args) != 0 {
		t.Errorf("body args = %v, want empty object", rec.body["args"])
	}
}

func TestRunFunction_EmptyPath(t *testing.T) {
	t.Parallel()

	client, err := New("http://127.0.0.1:3210", "key", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := client.RunFunction(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty function path")
	}
}

func TestRunFunction_BackendError(t *testing.T) {
	t.Parallel()

	client, _ := stubBackend(t, http.StatusInternalServerError, `{"error": "function not found"}`)

	_, err := client.RunFunction(context.Background(), "missing:fn", nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("error type = %T, want *CallError", err)
	}
	if callErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", callErr.Status)
	}
}
