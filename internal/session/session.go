// Package session governs the lifecycle container that owns a form's
// version history: creation, bearer-token auth, token refresh, and the
// terminal close transition.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claimsdesk/formledger/internal/crypto"
	"github.com/claimsdesk/formledger/internal/ledger"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

const DefaultTokenTTL = 2 * time.Hour

type Service struct {
	Store    ledger.Store
	TokenTTL time.Duration
}

func NewService(store ledger.Store, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Service{Store: store, TokenTTL: tokenTTL}
}

// Create opens a new session and returns it with the raw token. Only
// the token's hash is persisted.
func (s *Service) Create(formType string, caseRef *string) (ledger.SessionRecord, string, error) {
	if formType == "" {
		formType = "EWYP"
	}
	token, tokenHash, err := generateToken()
	if err != nil {
		return ledger.SessionRecord{}, "", err
	}

	now := time.Now().UTC()
	rec := ledger.SessionRecord{
		SessionID:      uuid.NewString(),
		FormType:       formType,
		CaseRef:        caseRef,
		Status:         ledger.SessionOpen,
		TokenHash:      tokenHash,
		TokenExpiresAt: now.Add(s.TokenTTL).Format(time.RFC3339),
		CreatedAt:      now.Format(time.RFC3339),
	}
	if err := s.Store.PutSession(rec); err != nil {
		return ledger.SessionRecord{}, "", err
	}
	return rec, token, nil
}

func (s *Service) Get(sessionID string) (ledger.SessionRecord, bool) {
	return s.Store.GetSession(sessionID)
}

// RefreshToken rotates the bearer token of an open session.
func (s *Service) RefreshToken(sessionID string) (ledger.SessionRecord, string, error) {
	rec, ok := s.Store.GetSession(sessionID)
	if !ok {
		return ledger.SessionRecord{}, "", ledger.ErrSessionNotFound
	}
	if rec.Status == ledger.SessionClosed {
		return ledger.SessionRecord{}, "", ledger.ErrSessionClosed
	}

	token, tokenHash, err := generateToken()
	if err != nil {
		return ledger.SessionRecord{}, "", err
	}
	rec.TokenHash = tokenHash
	rec.TokenExpiresAt = time.Now().UTC().Add(s.TokenTTL).Format(time.RFC3339)
	if err := s.Store.PutSession(rec); err != nil {
		return ledger.SessionRecord{}, "", err
	}
	return rec, token, nil
}

// Close transitions the session to closed. Terminal: there is no way
// back to open, and a closed session accepts no new versions.
func (s *Service) Close(sessionID string) (ledger.SessionRecord, error) {
	rec, ok := s.Store.GetSession(sessionID)
	if !ok {
		return ledger.SessionRecord{}, ledger.ErrSessionNotFound
	}
	if rec.Status == ledger.SessionClosed {
		return rec, nil
	}

	closedAt := time.Now().UTC().Format(time.RFC3339)
	rec.Status = ledger.SessionClosed
	rec.ClosedAt = &closedAt
	if err := s.Store.PutSession(rec); err != nil {
		return ledger.SessionRecord{}, err
	}
	return rec, nil
}

// Authenticate resolves the request's bearer token against the
// session's stored hash. The returned session is guaranteed to exist,
// be open, and hold an unexpired token.
func (s *Service) Authenticate(r *http.Request, sessionID string) (ledger.SessionRecord, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return ledger.SessionRecord{}, err
	}

	rec, ok := s.Store.GetSession(sessionID)
	if !ok {
		return ledger.SessionRecord{}, ledger.ErrSessionNotFound
	}
	if rec.Status == ledger.SessionClosed {
		return ledger.SessionRecord{}, ledger.ErrSessionClosed
	}

	expires, err := time.Parse(time.RFC3339, rec.TokenExpiresAt)
	if err != nil || !expires.After(time.Now().UTC()) {
		return ledger.SessionRecord{}, ErrTokenExpired
	}
	if crypto.HashValue(bearer) != rec.TokenHash {
		return ledger.SessionRecord{}, ErrInvalidToken
	}
	return rec, nil
}

func generateToken() (token string, tokenHash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, crypto.HashValue(token), nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
