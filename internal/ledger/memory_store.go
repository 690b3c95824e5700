package ledger

import (
	"sort"
	"sync"
)

// InMemoryStore keeps everything behind one mutex, which trivially
// satisfies the per-session serialization the ledger requires. Used by
// tests and the dev gateway.
type InMemoryStore struct {
	mu sync.Mutex

	sessions    map[string]SessionRecord
	versions    map[string][]VersionRecord         // keyed by session ID, append order
	validations map[string][]FieldValidationRecord // keyed by version ID, insertion order
	logs        []ValidationLogRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]SessionRecord),
		versions:    make(map[string][]VersionRecord),
		validations: make(map[string][]FieldValidationRecord),
	}
}

func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *InMemoryStore) GetSession(sessionID string) (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok
}

func (s *InMemoryStore) PutSession(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = rec
	return nil
}

func (s *InMemoryStore) GetVersion(sessionID string, number int) (VersionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.versions[sessionID] {
		if rec.Version == number {
			return rec, true
		}
	}
	return VersionRecord{}, false
}

func (s *InMemoryStore) ListVersions(sessionID string, limit, offset int) ([]VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]VersionRecord(nil), s.versions[sessionID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Version > all[j].Version })

	if offset >= len(all) {
		return []VersionRecord{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *InMemoryStore) CountVersions(sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions[sessionID]), nil
}

func (s *InMemoryStore) ListValidations(versionID string) ([]FieldValidationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FieldValidationRecord(nil), s.validations[versionID]...), nil
}

func (s *InMemoryStore) PutValidationLog(rec ValidationLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, rec)
	return nil
}

// ValidationLogs returns a copy of the audit log, oldest first.
func (s *InMemoryStore) ValidationLogs() []ValidationLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ValidationLogRecord(nil), s.logs...)
}

// memTx buffers writes so a failing transaction leaves no partial
// state: a version never becomes visible without its validations.
type memTx struct {
	store       *InMemoryStore
	sessions    []SessionRecord
	versions    []VersionRecord
	validations []FieldValidationRecord
}

func (t *memTx) GetSession(sessionID string) (SessionRecord, bool) {
	for i := len(t.sessions) - 1; i >= 0; i-- {
		if t.sessions[i].SessionID == sessionID {
			return t.sessions[i], true
		}
	}
	rec, ok := t.store.sessions[sessionID]
	return rec, ok
}

func (t *memTx) PutSession(rec SessionRecord) error {
	t.sessions = append(t.sessions, rec)
	return nil
}

func (t *memTx) MaxVersion(sessionID string) (int, error) {
	max := 0
	for _, rec := range t.store.versions[sessionID] {
		if rec.Version > max {
			max = rec.Version
		}
	}
	for _, rec := range t.versions {
		if rec.SessionID == sessionID && rec.Version > max {
			max = rec.Version
		}
	}
	return max, nil
}

func (t *memTx) PutVersion(rec VersionRecord) error {
	t.versions = append(t.versions, rec)
	return nil
}

func (t *memTx) PutValidation(rec FieldValidationRecord) error {
	t.validations = append(t.validations, rec)
	return nil
}

func (t *memTx) commit() {
	for _, rec := range t.sessions {
		t.store.sessions[rec.SessionID] = rec
	}
	for _, rec := range t.versions {
		t.store.versions[rec.SessionID] = append(t.store.versions[rec.SessionID], rec)
	}
	for _, rec := range t.validations {
		t.store.validations[rec.VersionID] = append(t.store.validations[rec.VersionID], rec)
	}
}
