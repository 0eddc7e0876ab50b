// Package schema defines the four GDPR compliance dimensions a breach case
// is classified against, and the validation rules for the classification
// object the rest of the service passes around.
package schema

import (
	"fmt"
	"strings"
)

// Field names for the four classification dimensions.
const (
	FieldLawfulness     = "lawfulness_of_processing"
	FieldRights         = "data_subject_rights_compliance"
	FieldRisk           = "risk_management_and_safeguards"
	FieldAccountability = "accountability_and_governance"
)

// ValueUnavailable is the conservative default for any dimension the
// conversation gave no signal on.
const ValueUnavailable = "information_unavailable"

// Fields lists the four dimensions in canonical order.
var Fields = []string{
	FieldLawfulness,
	FieldRights,
	FieldRisk,
	FieldAccountability,
}

var domains = map[string][]string{
	FieldLawfulness: {
		"lawful_and_appropriate_basis",
		"lawful_but_principle_violation",
		"no_valid_basis",
		"exempt_or_restricted",
		ValueUnavailable,
	},
	FieldRights: {
		"full_compliance",
		"partial_compliance",
		"non_compliance",
		"not_triggered",
		ValueUnavailable,
	},
	FieldRisk: {
		"proactive_safeguards",
		"reactive_only",
		"insufficient_protection",
		"not_applicable",
		ValueUnavailable,
	},
	FieldAccountability: {
		"fully_accountable",
		"partially_accountable",
		"not_accountable",
		"not_required",
		ValueUnavailable,
	},
}

// Domains returns the closed value set per dimension. The result is a copy;
// callers may not mutate the schema.
func Domains() map[string][]string {
	out := make(map[string][]string, len(domains))
	for f, vals := range domains {
		out[f] = append([]string(nil), vals...)
	}
	return out
}

// ValidValue reports whether value belongs to the closed enum of field.
// Matching is exact and case-sensitive.
func ValidValue(field, value string) bool {
	for _, v := range domains[field] {
		if v == value {
			return true
		}
	}
	return false
}

// Classification is the terminal wire object: the four dimension values,
// a free-text case description, and the completion flag.
type Classification struct {
	CaseDescription      string `json:"case_description"`
	Lawfulness           string `json:"lawfulness_of_processing"`
	Rights               string `json:"data_subject_rights_compliance"`
	Risk                 string `json:"risk_management_and_safeguards"`
	Accountability       string `json:"accountability_and_governance"`
	ConversationComplete bool   `json:"conversation_complete"`
}

// Field returns the value held for the named dimension, or "" for an
// unknown name.
func (c Classification) Field(name string) string {
	switch name {
	case FieldLawfulness:
		return c.Lawfulness
	case FieldRights:
		return c.Rights
	case FieldRisk:
		return c.Risk
	case FieldAccountability:
		return c.Accountability
	}
	return ""
}

// Set assigns value to the named dimension. It reports false when the name
// is unknown or the value is outside the field's enum; the object is left
// unchanged in that case.
func (c *Classification) Set(name, value string) bool {
	if !ValidValue(name, value) {
		return false
	}
	switch name {
	case FieldLawfulness:
		c.Lawfulness = value
	case FieldRights:
		c.Rights = value
	case FieldRisk:
		c.Risk = value
	case FieldAccountability:
		c.Accountability = value
	default:
		return false
	}
	return true
}

// Validate checks that every dimension holds a value from its closed enum.
// The dimensions are independent; there are no cross-field constraints.
func (c Classification) Validate() error {
	var bad []string
	for _, f := range Fields {
		if !ValidValue(f, c.Field(f)) {
			bad = append(bad, fmt.Sprintf("%s=%q", f, c.Field(f)))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("invalid classification: %s", strings.Join(bad, ", "))
	}
	return nil
}

// FromFields builds a complete classification from a field→value map.
// All four dimensions must be present and valid.
func FromFields(description string, fields map[string]string) (Classification, error) {
	c := Classification{CaseDescription: description, ConversationComplete: true}
	for _, f := range Fields {
		v, ok := fields[f]
		if !ok {
			return Classification{}, fmt.Errorf("missing field %s", f)
		}
		if !c.Set(f, v) {
			return Classification{}, fmt.Errorf("invalid value %q for %s", v, f)
		}
	}
	return c, nil
}
