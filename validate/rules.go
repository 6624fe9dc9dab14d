package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity grades an issue. Only error-severity issues fail validation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Values never appear verbatim in
// messages; security findings show [REDACTED] instead.
type Issue struct {
	Field    string   `json:"field"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Rule is one validation constraint set.
type Rule struct {
	Name      string
	Pattern   *regexp.Regexp
	MinLength int
	MaxLength int
	Required  bool
	Allowed   []string
	Message   string
}

// builtinRules is the precompiled registry of named rules.
var builtinRules = map[string]Rule{
	"email": {
		Name:      "email",
		Pattern:   regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`),
		MaxLength: 254,
		Message:   "must be a valid email address",
	},
	"phone_us": {
		Name:    "phone_us",
		Pattern: regexp.MustCompile(`^(\+1[\s\-.]?)?\(?\d{3}\)?[\s\-.]?\d{3}[\s\-.]?\d{4}$`),
		Message: "must be a valid US phone number",
	},
	"phone_intl": {
		Name:    "phone_intl",
		Pattern: regexp.MustCompile(`^\+[1-9]\d{6,14}$`),
		Message: "must be a valid international phone number",
	},
	"url": {
		Name:      "url",
		Pattern:   regexp.MustCompile(`^https?://[^\s/$.?#].[^\s]*$`),
		MaxLength: 2048,
		Message:   "must be a valid http(s) URL",
	},
	"zip_us": {
		Name:    "zip_us",
		Pattern: regexp.MustCompile(`^\d{5}(-\d{4})?$`),
		Message: "must be a valid US ZIP code",
	},
	"credit_card": {
		Name:      "credit_card",
		Pattern:   regexp.MustCompile(`^\d(?:[\d \-]{11,21})\d$`),
		MinLength: 13,
		Message:   "must be a valid card number",
	},
	"uuid": {
		Name:    "uuid",
		Pattern: regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
		Message: "must be a valid UUID",
	},
	"alphanumeric": {
		Name:    "alphanumeric",
		Pattern: regexp.MustCompile(`^[a-zA-Z0-9]+$`),
		Message: "must contain only letters and digits",
	},
	"slug": {
		Name:    "slug",
		Pattern: regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`),
		Message: "must be a lowercase slug",
	},
	"hex_color": {
		Name:    "hex_color",
		Pattern: regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`),
		Message: "must be a hex color",
	},
	"ipv4": {
		Name:    "ipv4",
		Pattern: regexp.MustCompile(`^((25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)$`),
		Message: "must be a valid IPv4 address",
	},
}

// fieldHeuristics auto-apply a rule when the field name suggests one
// and the caller supplied none. Order matters: first substring wins.
var fieldHeuristics = []struct {
	substr string
	rule   string
}{
	{"email", "email"},
	{"phone", "phone_us"},
	{"website", "url"},
	{"url", "url"},
	{"link", "url"},
	{"zip", "zip_us"},
	{"postal", "zip_us"},
	{"card", "credit_card"},
	{"uuid", "uuid"},
	{"guid", "uuid"},
	{"slug", "slug"},
	{"color", "hex_color"},
	{"ip_addr", "ipv4"},
	{"ipv4", "ipv4"},
}

// heuristicRule picks a built-in rule from the field name, or "".
func heuristicRule(fieldName string) string {
	lower := strings.ToLower(fieldName)
	for _, h := range fieldHeuristics {
		if strings.Contains(lower, h.substr) {
			return h.rule
		}
	}
	return ""
}

// apply checks the value against one rule and returns its issues.
func (r Rule) apply(fieldName, value string) []Issue {
	var issues []Issue
	fail := func(code, msg string) {
		issues = append(issues, Issue{Field: fieldName, Code: code, Message: msg, Severity: SeverityError})
	}

	if value == "" {
		if r.Required {
			fail("required", fmt.Sprintf("%s is required", fieldName))
		}
		return issues
	}

	if r.MinLength > 0 && len(value) < r.MinLength {
		fail("min_length", fmt.Sprintf("%s must be at least %d characters", fieldName, r.MinLength))
	}
	if r.MaxLength > 0 && len(value) > r.MaxLength {
		fail("max_length", fmt.Sprintf("%s must be at most %d characters", fieldName, r.MaxLength))
	}
	if r.Pattern != nil && !r.Pattern.MatchString(value) {
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("%s has an invalid format", fieldName)
		}
		fail(r.Name, msg)
	}
	if len(r.Allowed) > 0 {
		ok := false
		for _, a := range r.Allowed {
			if value == a {
				ok = true
				break
			}
		}
		if !ok {
			fail("allowed_values", fmt.Sprintf("%s is not an allowed value", fieldName))
		}
	}
	return issues
}
