// Package intent classifies a user query into one or more routable intents.
package intent

import "fmt"

// Kind identifies which responder should handle a sub-query.
type Kind string

const (
	EnterpriseEmail    Kind = "EnterpriseEmail"
	EnterpriseCalendar Kind = "EnterpriseCalendar"
	EnterpriseFiles    Kind = "EnterpriseFiles"
	EnterprisePeople   Kind = "EnterprisePeople"
	GeneralKnowledge   Kind = "GeneralKnowledge"
)

// ParseKind validates a wire-format kind string against the closed enum.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case EnterpriseEmail, EnterpriseCalendar, EnterpriseFiles, EnterprisePeople, GeneralKnowledge:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown intent kind %q", s)
	}
}

// IsEnterprise reports whether the kind needs enterprise-data access.
func (k Kind) IsEnterprise() bool {
	switch k {
	case EnterpriseEmail, EnterpriseCalendar, EnterpriseFiles, EnterprisePeople:
		return true
	default:
		return false
	}
}

// Intent is one classified sub-query.
type Intent struct {
	Kind       Kind
	Query      string
	Confidence float64
}

// Fallback returns the single general-knowledge intent used whenever
// classification cannot produce a trustworthy result.
func Fallback(query string) []Intent {
	return []Intent{{Kind: GeneralKnowledge, Query: query}}
}
