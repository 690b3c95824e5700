package ledger

import "errors"

// Session lifecycle states. The only transition is open -> closed.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// Snapshot source tags.
const (
	SourceRaw       = "raw"
	SourceCorrected = "corrected"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
)

// Store is the persistence capability for sessions, versions and field
// validations. WithTx serializes the "read max version, insert next"
// critical section; a Version and its FieldValidations always commit as
// one unit inside a single transaction.
type Store interface {
	WithTx(fn func(Tx) error) error

	GetSession(sessionID string) (SessionRecord, bool)
	PutSession(rec SessionRecord) error

	GetVersion(sessionID string, number int) (VersionRecord, bool)
	ListVersions(sessionID string, limit, offset int) ([]VersionRecord, error)
	CountVersions(sessionID string) (int, error)

	ListValidations(versionID string) ([]FieldValidationRecord, error)

	PutValidationLog(rec ValidationLogRecord) error
}

// Tx is the transactional view. Versions are only ever created through
// a Tx so per-session numbering stays gap-free under concurrency.
type Tx interface {
	GetSession(sessionID string) (SessionRecord, bool)
	PutSession(rec SessionRecord) error

	MaxVersion(sessionID string) (int, error)
	PutVersion(rec VersionRecord) error
	PutValidation(rec FieldValidationRecord) error
}

// SessionRecord owns an ordered sequence of form versions. Never
// physically deleted; closing is terminal.
type SessionRecord struct {
	SessionID      string
	FormType       string
	CaseRef        *string
	Status         string
	TokenHash      string
	TokenExpiresAt string
	CreatedAt      string
	ClosedAt       *string
}

// VersionRecord is one immutable form snapshot. Version numbers are
// unique and strictly increasing by 1 within a session.
type VersionRecord struct {
	VersionID     string
	SessionID     string
	Version       int
	PayloadJSON   []byte
	PayloadDigest string
	Source        string
	Comment       *string
	CreatedAt     string
}

// FieldValidationRecord stores one field judgment. Only the value hash
// is kept; the raw value never reaches the audit trail.
type FieldValidationRecord struct {
	ValidationID  string
	VersionID     string
	FieldPath     string
	FieldType     string
	ValueHash     string
	Status        string
	Justification string
	CreatedAt     string
}

// ValidationLogRecord is the audit row for a single ad-hoc field check
// performed outside any session.
type ValidationLogRecord struct {
	LogID     string
	FieldType string
	ValueHash string
	Status    string
	Message   string
	CreatedAt string
}
