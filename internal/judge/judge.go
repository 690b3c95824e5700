package judge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/claimsdesk/formledger/internal/catalog"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusObjection Status = "objection"
)

// Result is the outcome for one field value. An objection always
// carries a non-empty justification; a success may carry none.
type Result struct {
	Status        Status `json:"status"`
	Justification string `json:"justification"`
}

const (
	msgUnsupportedType   = "Unsupported field type."
	msgEmptyValue        = "Value is empty. Please provide a value."
	msgNoModelResponse   = "No response from model."
	msgEmptyModelAnswer  = "Empty response from model."
	msgNotSupportedClass = "Not a supported classification."
	msgPatternMismatch   = "Value does not match the required format."

	maxJustificationLen = 200
)

// Transport invokes the hosted model once and returns its raw reply.
// Timeouts and connection failures surface as errors; they are the only
// errors Judge propagates.
type Transport interface {
	Invoke(ctx context.Context, system, user string) (string, error)
}

// RuleSet is the deterministic, model-free rule table. Covers reports
// whether a field type has a built-in rule; Evaluate is total over the
// covered types and never calls out.
type RuleSet interface {
	Covers(fieldType string) bool
	Evaluate(fieldType, value string) (Result, bool)
}

type Engine struct {
	Catalog   *catalog.Catalog
	Rules     RuleSet
	Transport Transport
	Log       *slog.Logger
}

func NewEngine(cat *catalog.Catalog, rules RuleSet, transport Transport, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{Catalog: cat, Rules: rules, Transport: transport, Log: log}
}

// Judge decides whether value is acceptable for fieldType. Every
// expected failure mode (unknown type, blank value, malformed model
// reply, disallowed classification) resolves to a Result; only a
// transport failure returns an error.
func (e *Engine) Judge(ctx context.Context, fieldType, value, fieldContext string) (Result, error) {
	ruled := e.Rules != nil && e.Rules.Covers(fieldType)
	policy, inCatalog := e.Catalog.Policy(fieldType)
	if !ruled && !inCatalog {
		return Result{Status: StatusObjection, Justification: msgUnsupportedType}, nil
	}

	if strings.TrimSpace(value) == "" {
		return Result{Status: StatusObjection, Justification: msgEmptyValue}, nil
	}

	// Deterministic rules win over catalog policies: the model is never
	// paid for a field type the rule table already decides.
	if ruled {
		if result, ok := e.Rules.Evaluate(fieldType, value); ok {
			return result, nil
		}
	}

	// A policy pattern is a deterministic gate too: a value that cannot
	// match the declared shape is rejected without a model round trip.
	if re := policy.Regex(); re != nil && !re.MatchString(value) {
		return Result{Status: StatusObjection, Justification: msgPatternMismatch}, nil
	}

	system, user, ok := e.Catalog.BuildPrompt(fieldType, value, fieldContext)
	if !ok {
		return Result{Status: StatusObjection, Justification: msgUnsupportedType}, nil
	}

	reply, err := e.Transport.Invoke(ctx, system, user)
	if err != nil {
		return Result{}, err
	}

	parsed := coerceReply(reply)
	if parsed.fallback {
		e.Log.Warn("model reply failed contract, using fallback objection",
			"field_type", fieldType)
	}
	result := parsed.result

	if result.Status == StatusObjection && strings.TrimSpace(result.Justification) == "" {
		result.Justification = msgEmptyModelAnswer
	}

	if result.Status == StatusSuccess && len(policy.AllowedTerms) > 0 {
		if !containsAllowedTerm(result.Justification, policy.AllowedTerms) {
			e.Log.Warn("model accepted value outside allowed terms, overriding",
				"field_type", fieldType)
			result = Result{Status: StatusObjection, Justification: msgNotSupportedClass}
		}
	}

	return result, nil
}

// coerced is the outcome of reply coercion: either the model's own
// parsed result or a deterministic fallback objection.
type coerced struct {
	result   Result
	fallback bool
}

func coerceReply(raw string) coerced {
	var shape struct {
		Status        *string `json:"status"`
		Justification *string `json:"justification"`
	}

	if err := json.Unmarshal([]byte(raw), &shape); err != nil {
		return fallbackFor(raw)
	}
	if shape.Status == nil || shape.Justification == nil {
		return fallbackFor(raw)
	}
	status := Status(*shape.Status)
	if status != StatusSuccess && status != StatusObjection {
		return fallbackFor(raw)
	}

	return coerced{result: Result{Status: status, Justification: *shape.Justification}}
}

func fallbackFor(raw string) coerced {
	message := strings.TrimSpace(raw)
	if message == "" {
		message = msgNoModelResponse
	} else {
		message = truncate(message, maxJustificationLen)
	}
	return coerced{
		result:   Result{Status: StatusObjection, Justification: message},
		fallback: true,
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

// containsAllowedTerm is the whitelist predicate for classification
// fields: a case-insensitive substring match, intentionally loose so
// inflected and compound words still count.
func containsAllowedTerm(justification string, terms []string) bool {
	lowered := strings.ToLower(justification)
	for _, term := range terms {
		if term == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
