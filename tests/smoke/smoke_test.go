package smoke

import (
	"bytes"
	"context"
	"encoding/json"
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

const catalogDoc = `system_prompt: "You review form fields."
fields:
  - name: text
    prompt: "Accept any non-empty value."
field_mapping:
  - path: injured_person.pesel
    field_type: national_id
  - path: address.postal_code
    field_type: postal_code
  - path: accident.detailed_description
    field_type: text
`

type stubTransport struct{}

func (stubTransport) Invoke(context.Context, string, string) (string, error) {
	return `{"status":"success","justification":"Readable description."}`, nil
}

// TestSmoke runs the whole stack against SQLite: open a session, submit,
// validate, read history, close.
func TestSmoke(t *testing.T) {
	cat, err := catalog.Parse([]byte(catalogDoc))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}

	store, err := sqlstore.OpenSQLite("file:smoke?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()
	if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine := judge.NewEngine(cat, rules.NewSet(), stubTransport{}, nil)
	router := api.NewRouter(&api.Handler{
		Sessions: session.NewService(store, 0),
		Forms:    &forms.Service{Store: store, Engine: engine, Catalog: cat},
		Engine:   engine,
		Store:    store,
	})

	srv := httptest.NewServer(router)
	defer srv.Close()

	// auth gate sanity check
	res, err := http.Get(srv.URL + "/v1/sessions/anything")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	_ = res.Body.Close()

	sessionID, token := openSession(t, srv.URL)

	version := validate(t, srv.URL, sessionID, token)
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	closeSession(t, srv.URL, sessionID, token)

	// Further writes are rejected once closed.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/sessions/"+sessionID+"/forms",
		bytes.NewBufferString(`{"payload":{}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("submit after close: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 after close, got %d", res.StatusCode)
	}
}

func openSession(t *testing.T, baseURL string) (string, string) {
	t.Helper()

	res, err := http.Post(baseURL+"/v1/sessions", "application/json",
		bytes.NewBufferString(`{"form_type":"EWYP"}`))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open session status: %d", res.StatusCode)
	}

	var payload struct {
		SessionID    string `json:"session_id"`
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.SessionID == "" || payload.SessionToken == "" {
		t.Fatalf("missing session id or token")
	}
	return payload.SessionID, payload.SessionToken
}

func validate(t *testing.T, baseURL, sessionID, token string) int {
	t.Helper()

	body := bytes.NewBufferString(`{"payload":{
	  "injured_person":{"pesel":"91022312345"},
	  "address":{"postal_code":"00-950"},
	  "accident":{"detailed_description":"I slipped on a wet floor."}
	}}`)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/sessions/"+sessionID+"/validate", body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status: %d", res.StatusCode)
	}

	var payload struct {
		Version int            `json:"version"`
		Summary map[string]int `json:"summary"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Summary["success"] != 3 {
		t.Fatalf("expected 3 successes, got %v", payload.Summary)
	}
	return payload.Version
}

func closeSession(t *testing.T, baseURL, sessionID, token string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/sessions/"+sessionID+"/close", nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status: %d", res.StatusCode)
	}
}
