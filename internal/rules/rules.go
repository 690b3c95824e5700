// Package rules holds the built-in checks for field types that must
// never depend on the hosted model: identity numbers, names, postal
// codes and similar mechanically verifiable formats.
package rules

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/claimsdesk/formledger/internal/judge"
)

type rule struct {
	accept func(value string) bool
	reason string
}

var (
	documentNumberRe = regexp.MustCompile(`^[A-Za-z0-9]{5,12}$`)
	houseNumberRe    = regexp.MustCompile(`^[0-9]{1,4}[A-Za-z]{0,2}$`)
	postalCodeRe     = regexp.MustCompile(`^[0-9]{2}-[0-9]{3}$`)
)

// table maps a field type to its total acceptance function and the
// human-readable reason reported on rejection.
var table = map[string]rule{
	"national_id": {
		accept: isNationalID,
		reason: "Must be exactly 11 digits.",
	},
	"proper_name": {
		accept: isProperName,
		reason: "Must start with a capital letter and contain only letters.",
	},
	"document_number": {
		accept: documentNumberRe.MatchString,
		reason: "Must be 5-12 alphanumeric characters.",
	},
	"phone": {
		accept: isPhone,
		reason: "Must contain a plausible number of digits.",
	},
	"street": {
		accept: isStreet,
		reason: "Invalid characters or too short.",
	},
	"house_number": {
		accept: houseNumberRe.MatchString,
		reason: "Invalid house-number format.",
	},
	"postal_code": {
		accept: postalCodeRe.MatchString,
		reason: "Must match DD-DDD.",
	},
}

// Set implements judge.RuleSet over the built-in table.
type Set struct{}

func NewSet() Set { return Set{} }

func (Set) Covers(fieldType string) bool {
	_, ok := table[fieldType]
	return ok
}

// Evaluate applies the deterministic rule for fieldType. ok is false
// when no rule covers the type; otherwise the result is terminal and
// the model is never consulted.
func (Set) Evaluate(fieldType, value string) (judge.Result, bool) {
	r, ok := table[fieldType]
	if !ok {
		return judge.Result{}, false
	}
	if r.accept(value) {
		return judge.Result{Status: judge.StatusSuccess}, true
	}
	return judge.Result{Status: judge.StatusObjection, Justification: r.reason}, true
}

func isNationalID(value string) bool {
	if len(value) != 11 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isProperName accepts Unicode letters so diacritics in Polish names
// pass; hyphen covers compound surnames.
func isProperName(value string) bool {
	runes := []rune(value)
	if len(runes) == 0 {
		return false
	}
	if !unicode.IsLetter(runes[0]) || !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && r != '-' {
			return false
		}
	}
	return true
}

func isPhone(value string) bool {
	digits := 0
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '+' || r == '(' || r == ')' || r == '.':
			// separator, ignored
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

func isStreet(value string) bool {
	if len([]rune(value)) < 3 {
		return false
	}
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		if strings.ContainsRune(" -./", r) {
			continue
		}
		return false
	}
	return true
}
