package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunUsage(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "FormLedger CLI") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestValidateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/validate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","justification":""}`))
	}))
	defer server.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "validate", "--addr", server.URL, "national_id", "91022312345"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "status=success") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestValidateObjectionExitsNonZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"objection","justification":"Must be exactly 11 digits."}`))
	}))
	defer server.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "validate", "--addr", server.URL, "national_id", "123"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stdout.String(), "justification=Must be exactly 11 digits.") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{invalid"))
	}))
	defer server.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "validate", "--addr", server.URL, "text", "hello"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
}

func TestValidateMissingArgs(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "validate", "national_id"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("expected code 2, got %d", code)
	}
}

func TestSessionOpen(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"session_id":"s1","session_token":"tok","expires_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "session", "open", "--addr", server.URL, "--form-type", "EWYP"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "session_id=s1") || !strings.Contains(stdout.String(), "token=tok") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestSessionCloseSendsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"session_id":"s1","status":"closed"}`))
	}))
	defer server.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "session", "close", "--addr", server.URL, "--token", "tok", "s1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "closed session_id=s1") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestSessionCloseUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid session token"}`))
	}))
	defer server.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "session", "close", "--addr", server.URL, "--token", "wrong", "s1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "session close failed") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestCatalogLint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fields.yaml")
	doc := `system_prompt: "You review form fields."
fields:
  - name: text
    prompt: "Accept any non-empty value."
field_mapping:
  - path: accident.detailed_description
    field_type: text
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "catalog", "lint", path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected code 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "mapped_paths=1") {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
}

func TestCatalogLintBadDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fields.yaml")
	if err := os.WriteFile(path, []byte("fields: []\n"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer

	code := run([]string{"formledger", "catalog", "lint", path}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "system_prompt") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}
