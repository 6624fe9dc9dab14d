package validate

import (
	"regexp"

	"github.com/edgecore/edgecore/observability"
)

// Threat categories reported by CheckSecurity.
const (
	ThreatSQLInjection     = "sql_injection"
	ThreatXSS              = "xss"
	ThreatCommandInjection = "command_injection"
	ThreatPathTraversal    = "path_traversal"
)

// threatPatterns are precompiled; validation sits on the request hot
// path and must stay under its latency target.
var threatPatterns = map[string][]*regexp.Regexp{
	ThreatSQLInjection: {
		regexp.MustCompile(`(?i)\b(union\s+select|select\s+.+\s+from|insert\s+into|delete\s+from|drop\s+(table|database)|update\s+\w+\s+set|exec(ute)?\s*\()`),
		regexp.MustCompile(`(?i)\b(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
		regexp.MustCompile(`--`),
		regexp.MustCompile(`(?i)'\s*;`),
	},
	ThreatXSS: {
		regexp.MustCompile(`(?i)<\s*script`),
		regexp.MustCompile(`(?i)\bon\w+\s*=`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)<\s*(iframe|object|embed)`),
	},
	ThreatCommandInjection: {
		regexp.MustCompile("[|&`]"),
		regexp.MustCompile(`\$\(`),
		regexp.MustCompile(`(?i);\s*(rm|cat|wget|curl|sh|bash|nc)\b`),
	},
	ThreatPathTraversal: {
		regexp.MustCompile(`(^|[/\\])\.\.([/\\]|$)`),
	},
}

// SecurityResult is the outcome of a threat scan.
type SecurityResult struct {
	Safe      bool            `json:"safe"`
	Threats   map[string]bool `json:"threats"`
	Sanitized string          `json:"sanitized"`
}

// CheckSecurity scans a value for injection patterns. Every category is
// always present in Threats, true when at least one pattern matched.
func CheckSecurity(value string) SecurityResult {
	result := SecurityResult{
		Safe:    true,
		Threats: make(map[string]bool, len(threatPatterns)),
	}
	for threat, patterns := range threatPatterns {
		result.Threats[threat] = false
		for _, p := range patterns {
			if p.MatchString(value) {
				result.Threats[threat] = true
				result.Safe = false
				observability.ThreatsBlocked.WithLabelValues(threat).Inc()
				break
			}
		}
	}
	result.Sanitized = Sanitize(value, nil)
	return result
}
