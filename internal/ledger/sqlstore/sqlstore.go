// Package sqlstore backs the ledger with SQLite. The single-writer
// model plus the UNIQUE(session_id, version) constraint make version
// allocation collision-free without detection-and-retry.
package sqlstore

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/claimsdesk/formledger/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	// The version-allocation critical section needs one writer at a time.
	db.SetMaxOpenConns(1)
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
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
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
FROM form_sessions WHERE session_id = ?`, sessionID))
}

func (s *Store) PutSession(rec ledger.SessionRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutSession(rec) })
}

func (s *Store) GetVersion(sessionID string, number int) (ledger.VersionRecord, bool) {
	return scanVersion(s.db.QueryRow(`SELECT version_id, session_id, version, payload_json, payload_digest, source, comment, created_at
FROM form_versions WHERE session_id = ? AND version = ?`, sessionID, number))
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
WHERE session_id = ?
ORDER BY version DESC
LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.VersionRecord{}
	for rows.Next() {
		rec, err := scanVersionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountVersions(sessionID string) (int, error) {
	var total int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM form_versions WHERE session_id = ?`, sessionID).Scan(&total)
	return total, err
}

func (s *Store) ListValidations(versionID string) ([]ledger.FieldValidationRecord, error) {
	rows, err := s.db.Query(`SELECT validation_id, version_id, field_path, field_type, value_hash, status, justification, created_at
FROM field_validations
WHERE version_id = ?
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
VALUES(?,?,?,?,?,?)`,
		rec.LogID, rec.FieldType, rec.ValueHash, rec.Status, rec.Message, rec.CreatedAt)
	return err
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetSession(sessionID string) (ledger.SessionRecord, bool) {
	return scanSession(t.tx.QueryRow(`SELECT session_id, form_type, case_ref, status, token_hash, token_expires_at, created_at, closed_at
FROM form_sessions WHERE session_id = ?`, sessionID))
}

func (t *Tx) PutSession(rec ledger.SessionRecord) error {
	_, err := t.tx.Exec(`INSERT INTO form_sessions(session_id, form_type, case_ref, status, token_hash, token_expires_at, created_at, closed_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
  status=excluded.status,
  token_hash=excluded.token_hash,
  token_expires_at=excluded.token_expires_at,
  closed_at=excluded.closed_at`,
		rec.SessionID, rec.FormType, rec.CaseRef, rec.Status, rec.TokenHash, rec.TokenExpiresAt, rec.CreatedAt, rec.ClosedAt)
	return err
}

func (t *Tx) MaxVersion(sessionID string) (int, error) {
	var exists string
	if err := t.tx.QueryRow(`SELECT session_id FROM form_sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return 0, ledger.ErrSessionNotFound
		}
		return 0, err
	}

	var max sql.NullInt64
	if err := t.tx.QueryRow(`SELECT MAX(version) FROM form_versions WHERE session_id = ?`, sessionID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func (t *Tx) PutVersion(rec ledger.VersionRecord) error {
	_, err := t.tx.Exec(`INSERT INTO form_versions(version_id, session_id, version, payload_json, payload_digest, source, comment, created_at)
VALUES(?,?,?,?,?,?,?,?)`,
		rec.VersionID, rec.SessionID, rec.Version, string(rec.PayloadJSON), rec.PayloadDigest, rec.Source, rec.Comment, rec.CreatedAt)
	return err
}

func (t *Tx) PutValidation(rec ledger.FieldValidationRecord) error {
	_, err := t.tx.Exec(`INSERT INTO field_validations(validation_id, version_id, field_path, field_type, value_hash, status, justification, created_at)
VALUES(?,?,?,?,?,?,?,?)`,
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
	var payload string
	if err := row.Scan(&rec.VersionID, &rec.SessionID, &rec.Version, &payload, &rec.PayloadDigest, &rec.Source, &rec.Comment, &rec.CreatedAt); err != nil {
		return ledger.VersionRecord{}, false
	}
	rec.PayloadJSON = []byte(payload)
	return rec, true
}

func scanVersionRows(rows *sql.Rows) (ledger.VersionRecord, error) {
	var rec ledger.VersionRecord
	var payload string
	if err := rows.Scan(&rec.VersionID, &rec.SessionID, &rec.Version, &payload, &rec.PayloadDigest, &rec.Source, &rec.Comment, &rec.CreatedAt); err != nil {
		return ledger.VersionRecord{}, err
	}
	rec.PayloadJSON = []byte(payload)
	return rec, nil
}
