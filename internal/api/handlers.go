package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/claimsdesk/formledger/internal/crypto"
	"github.com/claimsdesk/formledger/internal/forms"
	"github.com/claimsdesk/formledger/internal/judge"
	"github.com/claimsdesk/formledger/internal/ledger"
	"github.com/claimsdesk/formledger/internal/session"
)

type Handler struct {
	Sessions *session.Service
	Forms    *forms.Service
	Engine   *judge.Engine
	Store    ledger.Store
	Log      *slog.Logger
}

type SessionCreateRequest struct {
	FormType string  `json:"form_type"`
	CaseRef  *string `json:"case_ref,omitempty"`
}

type SessionResponse struct {
	SessionID    string  `json:"session_id"`
	SessionToken *string `json:"session_token,omitempty"`
	ExpiresAt    string  `json:"expires_at"`
	Status       string  `json:"status"`
	FormType     string  `json:"form_type"`
}

type FormSubmitRequest struct {
	Payload map[string]any `json:"payload"`
	Source  string         `json:"source"`
	Comment *string        `json:"comment,omitempty"`
}

type FormSubmitResponse struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}

type FormValidateRequest struct {
	Payload          map[string]any `json:"payload"`
	FieldsToValidate []string       `json:"fields_to_validate,omitempty"`
}

type FieldValidationResult struct {
	FieldPath     string `json:"field_path"`
	Status        string `json:"status"`
	Justification string `json:"justification"`
}

type FormValidateResponse struct {
	Version int                     `json:"version"`
	Results []FieldValidationResult `json:"results"`
	Summary map[string]int          `json:"summary"`
}

type VersionSummary struct {
	Version   int     `json:"version"`
	Source    string  `json:"source"`
	Comment   *string `json:"comment,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type HistoryResponse struct {
	SessionID     string           `json:"session_id"`
	TotalVersions int              `json:"total_versions"`
	Versions      []VersionSummary `json:"versions"`
}

type FormSnapshotResponse struct {
	Version     int                     `json:"version"`
	Source      string                  `json:"source"`
	Payload     json.RawMessage         `json:"payload"`
	Validations []FieldValidationResult `json:"validations"`
	CreatedAt   string                  `json:"created_at"`
}

type ValidationRequest struct {
	FieldType string `json:"field_type"`
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
}

type ValidationResponse struct {
	Status        string `json:"status"`
	Justification string `json:"justification"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	rec, token, err := h.Sessions.Create(req.FormType, req.CaseRef)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, SessionResponse{
		SessionID:    rec.SessionID,
		SessionToken: &token,
		ExpiresAt:    rec.TokenExpiresAt,
		Status:       rec.Status,
		FormType:     rec.FormType,
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID: rec.SessionID,
		ExpiresAt: rec.TokenExpiresAt,
		Status:    rec.Status,
		FormType:  rec.FormType,
	})
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	rec, token, err := h.Sessions.RefreshToken(rec.SessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:    rec.SessionID,
		SessionToken: &token,
		ExpiresAt:    rec.TokenExpiresAt,
		Status:       rec.Status,
		FormType:     rec.FormType,
	})
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	rec, err := h.Sessions.Close(rec.SessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": rec.SessionID,
		"status":     rec.Status,
	})
}

func (h *Handler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req FormSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Source == "" {
		req.Source = ledger.SourceRaw
	}

	version, err := h.Forms.Submit(r.Context(), rec.SessionID, req.Payload, req.Source, req.Comment)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FormSubmitResponse{
		Version:   version.Version,
		CreatedAt: version.CreatedAt,
	})
}

func (h *Handler) ValidateForm(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req FormValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	version, validations, err := h.Forms.Validate(r.Context(), rec.SessionID, req.Payload, req.FieldsToValidate)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	summary := map[string]int{"success": 0, "objection": 0}
	results := make([]FieldValidationResult, 0, len(validations))
	for _, item := range validations {
		summary[item.Status]++
		results = append(results, FieldValidationResult{
			FieldPath:     item.FieldPath,
			Status:        item.Status,
			Justification: item.Justification,
		})
	}
	writeJSON(w, http.StatusOK, FormValidateResponse{
		Version: version.Version,
		Results: results,
		Summary: summary,
	})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 10)
	offset := queryInt(r, "offset", 0)

	total, versions, err := h.Forms.History(r.Context(), rec.SessionID, limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	summaries := make([]VersionSummary, 0, len(versions))
	for _, v := range versions {
		summaries = append(summaries, VersionSummary{
			Version:   v.Version,
			Source:    v.Source,
			Comment:   v.Comment,
			CreatedAt: v.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		SessionID:     rec.SessionID,
		TotalVersions: total,
		Versions:      summaries,
	})
}

func (h *Handler) GetFormVersion(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	number, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid version number"})
		return
	}

	version, validations, found, err := h.Forms.GetVersion(r.Context(), rec.SessionID, number)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}

	results := make([]FieldValidationResult, 0, len(validations))
	for _, v := range validations {
		results = append(results, FieldValidationResult{
			FieldPath:     v.FieldPath,
			Status:        v.Status,
			Justification: v.Justification,
		})
	}
	writeJSON(w, http.StatusOK, FormSnapshotResponse{
		Version:     version.Version,
		Source:      version.Source,
		Payload:     json.RawMessage(version.PayloadJSON),
		Validations: results,
		CreatedAt:   version.CreatedAt,
	})
}

// ValidateField judges a single value without a session. The value is
// hashed before it reaches the audit log.
func (h *Handler) ValidateField(w http.ResponseWriter, r *http.Request) {
	var req ValidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FieldType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	result, err := h.Engine.Judge(r.Context(), req.FieldType, req.Value, req.Context)
	if err != nil {
		h.log().Error("model transport failure", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "model transport failure"})
		return
	}

	logRec := ledger.ValidationLogRecord{
		LogID:     uuid.NewString(),
		FieldType: req.FieldType,
		ValueHash: crypto.HashValue(req.Value),
		Status:    string(result.Status),
		Message:   result.Justification,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.Store.PutValidationLog(logRec); err != nil {
		h.log().Error("validation log write failed", "error", err)
	}

	writeJSON(w, http.StatusOK, ValidationResponse{
		Status:        string(result.Status),
		Justification: result.Justification,
	})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (ledger.SessionRecord, bool) {
	rec, err := h.Sessions.Authenticate(r, r.PathValue("session_id"))
	if err != nil {
		h.writeDomainError(w, err)
		return ledger.SessionRecord{}, false
	}
	return rec, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrSessionClosed):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, session.ErrMissingBearer), errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, forms.ErrUnknownField), errors.Is(err, forms.ErrInvalidSource):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.log().Error("request failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream failure"})
	}
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
