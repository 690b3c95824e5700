package api

import "net/http"

// NewRouter wires the produced API surface: one ad-hoc field check plus
// the session and form-version endpoints.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/validate", h.ValidateField)

	mux.HandleFunc("POST /v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /v1/sessions/{session_id}", h.GetSession)
	mux.HandleFunc("POST /v1/sessions/{session_id}/refresh-token", h.RefreshToken)
	mux.HandleFunc("POST /v1/sessions/{session_id}/close", h.CloseSession)

	mux.HandleFunc("POST /v1/sessions/{session_id}/forms", h.SubmitForm)
	mux.HandleFunc("POST /v1/sessions/{session_id}/validate", h.ValidateForm)
	mux.HandleFunc("GET /v1/sessions/{session_id}/history", h.History)
	mux.HandleFunc("GET /v1/sessions/{session_id}/forms/{version}", h.GetFormVersion)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}
