//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/claimsdesk/formledger/internal/api"
	"github.com/claimsdesk/formledger/internal/catalog"
	"github.com/claimsdesk/formledger/internal/forms"
	"github.com/claimsdesk/formledger/internal/judge"
	"github.com/claimsdesk/formledger/internal/ledger"
	"github.com/claimsdesk/formledger/internal/ledger/sqlstore"
	"github.com/claimsdesk/formledger/internal/rules"
	"github.com/claimsdesk/formledger/internal/session"
)

type scriptedTransport struct{}

// One canned answer per field type, mimicking a cooperative reviewer.
func (scriptedTransport) Invoke(_ context.Context, _ string, user string) (string, error) {
	var prompt struct {
		FieldType string `json:"field_type"`
		Value     string `json:"value"`
	}
	if err := json.Unmarshal([]byte(user), &prompt); err != nil {
		return "", err
	}
	switch prompt.FieldType {
	case "profession":
		return `{"status":"success","justification":"The workplace is a dentist office."}`, nil
	default:
		return `{"status":"success","justification":"Looks plausible."}`, nil
	}
}

// TestE2ESessionLifecycle walks the full produced surface: open, submit
// a draft, validate, correct, rotate the token, read history and a
// snapshot, close, and confirm the session stops serving afterwards.
func TestE2ESessionLifecycle(t *testing.T) {
	cat, err := catalog.Load("../../catalog/fields.yaml")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	store, err := sqlstore.OpenSQLite("file:e2e?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine := judge.NewEngine(cat, rules.NewSet(), scriptedTransport{}, nil)
	router := api.NewRouter(&api.Handler{
		Sessions: session.NewService(store, 0),
		Forms:    &forms.Service{Store: store, Engine: engine, Catalog: cat},
		Engine:   engine,
		Store:    store,
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	client := &apiClient{t: t, baseURL: srv.URL}

	sessionID, token := client.openSession()

	// Draft snapshot first, then a validated one.
	if v := client.submit(sessionID, token, `{"payload":{"injured_person":{"pesel":"9102231234"}},"source":"raw"}`); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}

	version, summary := client.validate(sessionID, token, `{"payload":{
	  "injured_person":{"pesel":"9102231234","first_name":"Anna"},
	  "employer":{"profession":"Gabinet stomatologiczny"}
	}}`)
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	// The short PESEL objects, the name and profession pass.
	if summary["objection"] != 1 || summary["success"] != 2 {
		t.Fatalf("unexpected summary: %v", summary)
	}

	// Corrected resubmit after the objection.
	if v := client.submit(sessionID, token, `{"payload":{"injured_person":{"pesel":"91022312345"}},"source":"corrected","comment":"fixed pesel"}`); v != 3 {
		t.Fatalf("expected version 3 for correction")
	}

	// Token rotation keeps the session usable.
	token = client.refreshToken(sessionID, token)

	total, newest := client.history(sessionID, token)
	if total != 3 || newest != 3 {
		t.Fatalf("unexpected history: total=%d newest=%d", total, newest)
	}

	client.checkSnapshot(sessionID, token, 2)

	client.close(sessionID, token)

	// Closed is terminal: the token no longer authenticates anything,
	// reads included.
	res := client.do(http.MethodPost, fmt.Sprintf("/v1/sessions/%s/forms", sessionID), token,
		`{"payload":{}}`)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after close, got %d", res.StatusCode)
	}
	_ = res.Body.Close()

	res = client.do(http.MethodGet, fmt.Sprintf("/v1/sessions/%s/history", sessionID), token, "")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading history after close, got %d", res.StatusCode)
	}
	_ = res.Body.Close()
}

type apiClient struct {
	t       *testing.T
	baseURL string
}

func (c *apiClient) do(method, path, token, body string) *http.Response {
	c.t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		c.t.Fatalf("new req: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return res
}

func (c *apiClient) openSession() (string, string) {
	c.t.Helper()
	res := c.do(http.MethodPost, "/v1/sessions", "", `{"form_type":"EWYP","case_ref":"CASE-9"}`)
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		c.t.Fatalf("open session status: %d", res.StatusCode)
	}
	var payload struct {
		SessionID    string `json:"session_id"`
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return payload.SessionID, payload.SessionToken
}

func (c *apiClient) submit(sessionID, token, body string) int {
	c.t.Helper()
	res := c.do(http.MethodPost, fmt.Sprintf("/v1/sessions/%s/forms", sessionID), token, body)
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		c.t.Fatalf("submit status: %d", res.StatusCode)
	}
	var payload struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return payload.Version
}

func (c *apiClient) validate(sessionID, token, body string) (int, map[string]int) {
	c.t.Helper()
	res := c.do(http.MethodPost, fmt.Sprintf("/v1/sessions/%s/validate", sessionID), token, body)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		c.t.Fatalf("validate status: %d", res.StatusCode)
	}
	var payload struct {
		Version int            `json:"version"`
		Summary map[string]int `json:"summary"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return payload.Version, payload.Summary
}

func (c *apiClient) refreshToken(sessionID, token string) string {
	c.t.Helper()
	res := c.do(http.MethodPost, fmt.Sprintf("/v1/sessions/%s/refresh-token", sessionID), token, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		c.t.Fatalf("refresh status: %d", res.StatusCode)
	}
	var payload struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	if payload.SessionToken == "" || payload.SessionToken == token {
		c.t.Fatalf("expected a rotated token")
	}
	return payload.SessionToken
}

func (c *apiClient) history(sessionID, token string) (int, int) {
	c.t.Helper()
	res := c.do(http.MethodGet, fmt.Sprintf("/v1/sessions/%s/history", sessionID), token, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		c.t.Fatalf("history status: %d", res.StatusCode)
	}
	var payload struct {
		TotalVersions int `json:"total_versions"`
		Versions      []struct {
			Version int `json:"version"`
		} `json:"versions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	newest := 0
	if len(payload.Versions) > 0 {
		newest = payload.Versions[0].Version
	}
	return payload.TotalVersions, newest
}

func (c *apiClient) checkSnapshot(sessionID, token string, number int) {
	c.t.Helper()
	res := c.do(http.MethodGet, fmt.Sprintf("/v1/sessions/%s/forms/%d", sessionID, number), token, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		c.t.Fatalf("snapshot status: %d", res.StatusCode)
	}
	var payload struct {
		Version     int             `json:"version"`
		Payload     json.RawMessage `json:"payload"`
		Validations []struct {
			FieldPath string `json:"field_path"`
			Status    string `json:"status"`
		} `json:"validations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	if payload.Version != number {
		c.t.Fatalf("expected version %d, got %d", number, payload.Version)
	}
	if len(payload.Payload) == 0 {
		c.t.Fatalf("expected stored payload")
	}
	if len(payload.Validations) == 0 {
		c.t.Fatalf("expected validations on the validated snapshot")
	}
}

func (c *apiClient) close(sessionID, token string) {
	c.t.Helper()
	res := c.do(http.MethodPost, fmt.Sprintf("/v1/sessions/%s/close", sessionID), token, "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		c.t.Fatalf("close status: %d", res.StatusCode)
	}
}
