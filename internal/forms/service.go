// Package forms implements the version ledger operations: immutable,
// numbered form snapshots per session, with optional field-level
// judgments recorded alongside.
package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claimsdesk/formledger/internal/catalog"
	"github.com/claimsdesk/formledger/internal/crypto"
	"github.com/claimsdesk/formledger/internal/judge"
	"github.com/claimsdesk/formledger/internal/ledger"
)

// ErrUnknownField is returned in strict mode when a requested
// validation path has no mapping.
var ErrUnknownField = errors.New("unknown validation field path")

// ErrInvalidSource is returned for a submit source outside raw/corrected.
var ErrInvalidSource = errors.New("invalid snapshot source")

const validationComment = "validation"

type Service struct {
	Store   ledger.Store
	Engine  *judge.Engine
	Catalog *catalog.Catalog

	// Strict rejects validate requests naming unmapped paths instead of
	// silently dropping them.
	Strict bool
}

// Submit appends the next snapshot to an open session. The version
// number computation and the insert happen in one transaction, so two
// concurrent submits never share a number.
func (s *Service) Submit(ctx context.Context, sessionID string, payload map[string]any, source string, comment *string) (ledger.VersionRecord, error) {
	if source != ledger.SourceRaw && source != ledger.SourceCorrected {
		return ledger.VersionRecord{}, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	return s.appendVersion(sessionID, payload, source, comment, nil)
}

// Validate appends a snapshot and records one judgment per selected
// mapped field. The version and all its validations commit atomically;
// a transport failure aborts before anything is written, so a failed
// attempt consumes no version number.
func (s *Service) Validate(ctx context.Context, sessionID string, payload map[string]any, fieldsToValidate []string) (ledger.VersionRecord, []ledger.FieldValidationRecord, error) {
	// Precondition check up front: no point paying for model calls when
	// the session cannot accept the result.
	rec, ok := s.Store.GetSession(sessionID)
	if !ok {
		return ledger.VersionRecord{}, nil, ledger.ErrSessionNotFound
	}
	if rec.Status == ledger.SessionClosed {
		return ledger.VersionRecord{}, nil, ledger.ErrSessionClosed
	}

	selected, err := s.selectFields(fieldsToValidate)
	if err != nil {
		return ledger.VersionRecord{}, nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	versionID := uuid.NewString()

	validations := make([]ledger.FieldValidationRecord, 0, len(selected))
	for _, entry := range selected {
		value, found := lookupPath(payload, entry.Path)
		if !found {
			continue
		}
		valueStr, ok := stringifyLeaf(value)
		if !ok {
			continue
		}

		result, err := s.Engine.Judge(ctx, entry.FieldType, valueStr, "")
		if err != nil {
			return ledger.VersionRecord{}, nil, fmt.Errorf("judge %s: %w", entry.Path, err)
		}

		validations = append(validations, ledger.FieldValidationRecord{
			ValidationID:  uuid.NewString(),
			VersionID:     versionID,
			FieldPath:     entry.Path,
			FieldType:     entry.FieldType,
			ValueHash:     crypto.HashValue(valueStr),
			Status:        string(result.Status),
			Justification: result.Justification,
			CreatedAt:     now,
		})
	}

	comment := validationComment
	version, err := s.appendVersionWithID(versionID, sessionID, payload, ledger.SourceRaw, &comment, validations)
	if err != nil {
		return ledger.VersionRecord{}, nil, err
	}
	return version, validations, nil
}

// History returns versions newest first plus the total count,
// independent of the pagination window.
func (s *Service) History(ctx context.Context, sessionID string, limit, offset int) (int, []ledger.VersionRecord, error) {
	if _, ok := s.Store.GetSession(sessionID); !ok {
		return 0, nil, ledger.ErrSessionNotFound
	}
	total, err := s.Store.CountVersions(sessionID)
	if err != nil {
		return 0, nil, err
	}
	versions, err := s.Store.ListVersions(sessionID, limit, offset)
	if err != nil {
		return 0, nil, err
	}
	return total, versions, nil
}

// GetVersion fetches one snapshot with its validations in the order
// they were recorded.
func (s *Service) GetVersion(ctx context.Context, sessionID string, number int) (ledger.VersionRecord, []ledger.FieldValidationRecord, bool, error) {
	version, ok := s.Store.GetVersion(sessionID, number)
	if !ok {
		return ledger.VersionRecord{}, nil, false, nil
	}
	validations, err := s.Store.ListValidations(version.VersionID)
	if err != nil {
		return ledger.VersionRecord{}, nil, false, err
	}
	return version, validations, true, nil
}

func (s *Service) appendVersion(sessionID string, payload map[string]any, source string, comment *string, validations []ledger.FieldValidationRecord) (ledger.VersionRecord, error) {
	return s.appendVersionWithID(uuid.NewString(), sessionID, payload, source, comment, validations)
}

func (s *Service) appendVersionWithID(versionID, sessionID string, payload map[string]any, source string, comment *string, validations []ledger.FieldValidationRecord) (ledger.VersionRecord, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return ledger.VersionRecord{}, fmt.Errorf("encode payload: %w", err)
	}
	digest, err := crypto.PayloadDigest(payload)
	if err != nil {
		return ledger.VersionRecord{}, fmt.Errorf("digest payload: %w", err)
	}

	var out ledger.VersionRecord
	err = s.Store.WithTx(func(tx ledger.Tx) error {
		rec, ok := tx.GetSession(sessionID)
		if !ok {
			return ledger.ErrSessionNotFound
		}
		if rec.Status == ledger.SessionClosed {
			return ledger.ErrSessionClosed
		}

		max, err := tx.MaxVersion(sessionID)
		if err != nil {
			return err
		}

		out = ledger.VersionRecord{
			VersionID:     versionID,
			SessionID:     sessionID,
			Version:       max + 1,
			PayloadJSON:   payloadJSON,
			PayloadDigest: digest,
			Source:        source,
			Comment:       comment,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if err := tx.PutVersion(out); err != nil {
			return err
		}
		for _, v := range validations {
			if err := tx.PutValidation(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ledger.VersionRecord{}, err
	}
	return out, nil
}

// selectFields resolves the requested paths against the catalog
// mapping, preserving mapping order. An absent or empty request means
// "every mapped path".
func (s *Service) selectFields(requested []string) ([]catalog.MappingEntry, error) {
	mapping := s.Catalog.Mapping()
	if len(requested) == 0 {
		return mapping, nil
	}

	if s.Strict {
		for _, path := range requested {
			if _, ok := s.Catalog.MappedType(path); !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownField, path)
			}
		}
	}

	want := make(map[string]struct{}, len(requested))
	for _, path := range requested {
		want[path] = struct{}{}
	}

	selected := make([]catalog.MappingEntry, 0, len(requested))
	for _, entry := range mapping {
		if _, ok := want[entry.Path]; ok {
			selected = append(selected, entry)
		}
	}
	return selected, nil
}

// lookupPath walks a dotted path through nested payload objects. A
// missing segment means the field is skipped, not an error.
func lookupPath(payload map[string]any, dotted string) (any, bool) {
	var current any = payload
	for _, key := range strings.Split(dotted, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// stringifyLeaf renders a payload leaf for judgment. Objects and
// arrays are not judgeable field values and are skipped.
func stringifyLeaf(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}
