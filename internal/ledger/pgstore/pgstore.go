// Package pgstore backs the ledger with PostgreSQL. Version allocation
// locks the owning session row (SELECT ... FOR UPDATE) so concurrent
// submits to one session serialize without colliding or skipping a
// number; different sessions proceed independently.
package pgstore

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/claimsdesk/formledger/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetSession(sessionID string) (ledger.SessionRecord, bool) {
	return scanSession(s.db.QueryRow(`SELECT session_id, form_type, case_ref, status, token_hash, token_expires_at, created_at, closed_at
FROM form_sessions WHERE session_id = $1`, sessionID))
}

func (s *Store) PutSession(rec ledger.SessionRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutSession(rec) })
}

func (s *Store) GetVersion(sessionID string, number int) (ledger.VersionRecord, bool) {
	return scanVersion(s.db.QueryRow(`SELECT version_id, session_id, version, payload_json, payload_digest, source, comment, created_at
FROM form_versions WHERE session_id = $1 AND version = $2`, sessionID, number))
}

func (s *Store) ListVersions(sessionID string, limit, offset int) ([]ledger.VersionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(`SELECT version_id, session_id, version, payload_json, payload_digest, source, comment, created_at
FROM form_versions
WHERE session_id = $1
ORDER BY version DESC
LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.VersionRecord{}
	for rows.Next() {
		var rec ledger.VersionRecord
		var payload []byte
		if err := rows.Scan(&rec.VersionID, &rec.SessionID, &rec.Version, &payload, &rec.PayloadDigest, &rec.Source, &rec.Comment, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.PayloadJSON = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountVersions(sessionID string) (int, error) {
	var total int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM form_versions WHERE session_id = $1`, sessionID).Scan(&total)
	return total, err
}

func (s *Store) ListValidations(versionID string) ([]ledger.FieldValidationRecord, error) {
	rows, err := s.db.Query(`SELECT validation_id, version_id, field_path, field_type, value_hash, status, justification, created_at
FROM field_validations
WHERE version_id = $1
ORDER BY seq ASC`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.FieldValidationRecord{}
	for rows.Next() {
		var rec ledger.FieldValidationRecord
		if err := rows.Scan(&rec.ValidationID, &rec.VersionID, &rec.FieldPath, &rec.FieldType, &rec.ValueHash, &rec.Status, &rec.Justification, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutValidationLog(rec ledger.ValidationLogRecord) error {
	_, err := s.db.Exec(`INSERT INTO validation_logs(log_id, field_type, value_hash, status, message, created_at)
VALUES($1,$2,$3,$4,$5,$6)`,
		rec.LogID, rec.FieldType, rec.ValueHash, rec.Status, rec.Message, rec.CreatedAt)
	return err
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetSession(sessionID string) (ledger.SessionRecord, bool) {
	return scanSession(t.tx.QueryRow(`SELECT session_id, form_type, case_ref, status, token_hash, token_expires_at, created_at, closed_at
FROM form_sessions WHERE session_id = $1`, sessionID))
}

func (t *Tx) PutSession(rec ledger.SessionRecord) error {
	_, err := t.tx.Exec(`INSERT INTO form_sessions(session_id, form_type, case_ref, status, token_hash, token_expires_at, created_at, closed_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT(session_id) DO UPDATE SET
  status=excluded.status,
  token_hash=excluded.token_hash,
  token_expires_at=excluded.token_expires_at,
  closed_at=excluded.closed_at`,
		rec.SessionID, rec.FormType, rec.CaseRef, rec.Status, rec.TokenHash, rec.TokenExpiresAt, rec.CreatedAt, rec.ClosedAt)
	return err
}

// MaxVersion locks the session row first; the lock is held until the
// surrounding transaction commits, closing the read-max-then-insert race.
func (t *Tx) MaxVersion(sessionID string) (int, error) {
	var locked string
	if err := t.tx.QueryRow(`SELECT session_id FROM form_sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&locked); err != nil {
		if err == sql.ErrNoRows {
			return 0, ledger.ErrSessionNotFound
		}
		return 0, err
	}

	var max sql.NullInt64
	if err := t.tx.QueryRow(`SELECT MAX(version) FROM form_versions WHERE session_id = $1`, sessionID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func (t *Tx) PutVersion(rec ledger.VersionRecord) error {
	_, err := t.tx.Exec(`INSERT INTO form_versions(version_id, session_id, version, payload_json, payload_digest, source, comment, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.VersionID, rec.SessionID, rec.Version, rec.PayloadJSON, rec.PayloadDigest, rec.Source, rec.Comment, rec.CreatedAt)
	return err
}

func (t *Tx) PutValidation(rec ledger.FieldValidationRecord) error {
	_, err := t.tx.Exec(`INSERT INTO field_validations(validation_id, version_id, field_path, field_type, value_hash, status, justification, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ValidationID, rec.VersionID, rec.FieldPath, rec.FieldType, rec.ValueHash, rec.Status, rec.Justification, rec.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ledger.SessionRecord, bool) {
	var rec ledger.SessionRecord
	if err := row.Scan(&rec.SessionID, &rec.FormType, &rec.CaseRef, &rec.Status, &rec.TokenHash, &rec.TokenExpiresAt, &rec.CreatedAt, &rec.ClosedAt); err != nil {
		return ledger.SessionRecord{}, false
	}
	return rec, true
}

func scanVersion(row rowScanner) (ledger.VersionRecord, bool) {
	var rec ledger.VersionRecord
	var payload []byte
	if err := row.Scan(&rec.VersionID, &rec.SessionID, &rec.Version, &payload, &rec.PayloadDigest, &rec.Source, &rec.Comment, &rec.CreatedAt); err != nil {
		return ledger.VersionRecord{}, false
	}
	rec.PayloadJSON = payload
	return rec, true
}
