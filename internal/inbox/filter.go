package inbox

import "strings"

// Filter selects order emails by keyword containment, case-insensitively.
type Filter struct {
	SubjectKeywords []string
	BodyKeywords    []string
}

// DefaultFilter matches the vendor's order confirmations.
func DefaultFilter() Filter {
	return Filter{
		SubjectKeywords: []string{"ringana", "pedido", "order"},
		BodyKeywords:    []string{"pedido"},
	}
}

// IsOrderEmail reports whether the subject or body contains a configured keyword.
func (f Filter) IsOrderEmail(subject, body string) bool {
	subject = strings.ToLower(subject)
	for _, kw := range f.SubjectKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(subject, kw) {
			return true
		}
	}
	body = strings.ToLower(body)
	for _, kw := range f.BodyKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(body, kw) {
			return true
		}
	}
	return false
}
