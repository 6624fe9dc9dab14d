package validate

import (
	"strings"
	"testing"
	"time"
)

func TestBuiltinRules(t *testing.T) {
	cases := []struct {
		rule  string
		value string
		valid bool
	}{
		{"email", "user@example.com", true},
		{"email", "not-an-email", false},
		{"email", "user@sub.example.co.uk", true},
		{"phone_us", "(555) 123-4567", true},
		{"phone_us", "+1 555-123-4567", true},
		{"phone_us", "12345", false},
		{"phone_intl", "+4915112345678", true},
		{"phone_intl", "015112345678", false},
		{"url", "https://example.com/path?q=1", true},
		{"url", "ftp://example.com", false},
		{"zip_us", "94105", true},
		{"zip_us", "94105-1234", true},
		{"zip_us", "9410", false},
		{"uuid", "123e4567-e89b-12d3-a456-426614174000", true},
		{"uuid", "123e4567e89b12d3a456426614174000", false},
		{"alphanumeric", "abc123", true},
		{"alphanumeric", "abc 123", false},
		{"slug", "my-product-page", true},
		{"slug", "My-Product", false},
		{"hex_color", "#fff", true},
		{"hex_color", "#a1b2c3", true},
		{"hex_color", "a1b2c3", false},
		{"ipv4", "192.168.1.1", true},
		{"ipv4", "256.1.1.1", false},
		{"credit_card", "4111 1111 1111 1111", true},
		{"credit_card", "41", false},
	}

	v := New(DefaultValidatorConfig())
	for _, tc := range cases {
		result := v.Validate("field", tc.value, []string{tc.rule}, false)
		if result.Valid != tc.valid {
			t.Errorf("%s(%q): valid = %v, want %v (issues: %v)",
				tc.rule, tc.value, result.Valid, tc.valid, result.Issues)
		}
	}
}

func TestFieldNameHeuristics(t *testing.T) {
	v := New(DefaultValidatorConfig())

	if r := v.Validate("user_email", "nope", nil, false); r.Valid {
		t.Error("email heuristic did not fire for user_email")
	}
	if r := v.Validate("user_email", "user@example.com", nil, false); !r.Valid {
		t.Errorf("valid email rejected: %v", r.Issues)
	}
	if r := v.Validate("billing_zip", "abcde", nil, false); r.Valid {
		t.Error("zip heuristic did not fire for billing_zip")
	}
	// A neutral field name applies no rule.
	if r := v.Validate("comment", "anything at all", nil, false); !r.Valid {
		t.Errorf("neutral field rejected: %v", r.Issues)
	}
}

func TestCustomRuleShadowsBuiltin(t *testing.T) {
	v := New(DefaultValidatorConfig())
	v.RegisterRule(Rule{
		Name:    "email",
		Allowed: []string{"admin@corp.internal"},
		Message: "only the admin address",
	})

	if r := v.Validate("email", "user@example.com", []string{"email"}, false); r.Valid {
		t.Error("custom rule should shadow the builtin")
	}
	if r := v.Validate("email", "admin@corp.internal", []string{"email"}, false); !r.Valid {
		t.Errorf("allowed value rejected: %v", r.Issues)
	}
}

func TestRequiredAndLengthConstraints(t *testing.T) {
	v := New(DefaultValidatorConfig())
	v.RegisterRule(Rule{Name: "username", MinLength: 3, MaxLength: 12, Required: true})

	if r := v.Validate("username", "", []string{"username"}, false); r.Valid {
		t.Error("empty required field accepted")
	}
	if r := v.Validate("username", "ab", []string{"username"}, false); r.Valid {
		t.Error("too-short value accepted")
	}
	if r := v.Validate("username", strings.Repeat("a", 20), []string{"username"}, false); r.Valid {
		t.Error("too-long value accepted")
	}
	if r := v.Validate("username", "edgeuser", []string{"username"}, false); !r.Valid {
		t.Errorf("valid username rejected: %v", r.Issues)
	}
}

func TestSQLInjectionDetected(t *testing.T) {
	v := New(DefaultValidatorConfig())
	r := v.Validate("q", "' OR 1=1 --", nil, true)

	if r.Valid {
		t.Fatal("injection accepted as valid")
	}
	found := false
	for _, issue := range r.Issues {
		if issue.Code == ThreatSQLInjection {
			found = true
			if !strings.Contains(issue.Message, "[REDACTED]") {
				t.Error("issue message must redact the value")
			}
			if strings.Contains(issue.Message, "OR 1=1") {
				t.Error("issue message leaked the raw value")
			}
		}
	}
	if !found {
		t.Errorf("no sql_injection issue in %v", r.Issues)
	}
}

func TestCheckSecurityCategories(t *testing.T) {
	cases := []struct {
		value  string
		threat string
	}{
		{"1; DROP TABLE users --", ThreatSQLInjection},
		{"<script>alert(1)</script>", ThreatXSS},
		{`<img onerror=alert(1)>`, ThreatXSS},
		{"javascript:alert(1)", ThreatXSS},
		{"foo | rm -rf /", ThreatCommandInjection},
		{"$(whoami)", ThreatCommandInjection},
		{"../../etc/passwd", ThreatPathTraversal},
	}

	for _, tc := range cases {
		result := CheckSecurity(tc.value)
		if result.Safe {
			t.Errorf("%q reported safe", tc.value)
			continue
		}
		if !result.Threats[tc.threat] {
			t.Errorf("%q: expected %s, got %v", tc.value, tc.threat, result.Threats)
		}
	}

	benign := CheckSecurity("plain product search")
	if !benign.Safe {
		t.Errorf("benign input flagged: %v", benign.Threats)
	}
	for threat, hit := range benign.Threats {
		if hit {
			t.Errorf("benign input flagged %s", threat)
		}
	}
}

func TestSanitizePipeline(t *testing.T) {
	got := Sanitize("  <b>hi</b>\x00  ", nil)
	if got != "&lt;b&gt;hi&lt;/b&gt;" {
		t.Errorf("default pipeline produced %q", got)
	}

	got = Sanitize("<b>hi</b>", []string{StageStripTags})
	if got != "hi" {
		t.Errorf("strip_tags produced %q", got)
	}

	got = Sanitize("O'Brien", []string{StageSQLEscape})
	if got != "O''Brien" {
		t.Errorf("sql_escape produced %q", got)
	}

	// NFC collapses a combining sequence into its composed form.
	got = Sanitize("e\u0301", []string{StageNormalize})
	if got != "\u00e9" {
		t.Errorf("normalize produced %q", got)
	}
}

func TestValidateSanitizesByDefault(t *testing.T) {
	v := New(DefaultValidatorConfig())
	r := v.Validate("comment", "  hello  ", nil, true)
	if r.Sanitized != "hello" {
		t.Errorf("sanitized = %q", r.Sanitized)
	}
	if r.Original != "  hello  " {
		t.Errorf("original mutated: %q", r.Original)
	}

	r = v.Validate("comment", "  hello  ", nil, false)
	if r.Sanitized != "  hello  " {
		t.Errorf("sanitize=false should keep the value: %q", r.Sanitized)
	}
}

func TestValidateBatch(t *testing.T) {
	v := New(DefaultValidatorConfig())
	results := v.ValidateBatch(
		map[string]string{
			"email":   "user@example.com",
			"website": "not a url",
			"note":    "fine",
		},
		map[string][]string{"website": {"url"}},
	)

	if !results["email"].Valid {
		t.Error("valid email rejected in batch")
	}
	if results["website"].Valid {
		t.Error("invalid url accepted in batch")
	}
	if !results["note"].Valid {
		t.Error("neutral field rejected in batch")
	}
}

func TestResultCacheHitAndExpiry(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.CacheTTL = 20 * time.Millisecond
	v := New(cfg)

	first := v.Validate("email", "user@example.com", []string{"email"}, true)
	second := v.Validate("email", "user@example.com", []string{"email"}, true)
	if first.Valid != second.Valid || first.Sanitized != second.Sanitized {
		t.Error("cached result differs from the original")
	}

	v.mu.Lock()
	n := len(v.results)
	v.mu.Unlock()
	if n != 1 {
		t.Errorf("cache holds %d entries, want 1", n)
	}

	time.Sleep(30 * time.Millisecond)
	v.Validate("email", "user@example.com", []string{"email"}, true)
	v.mu.Lock()
	n = len(v.results)
	v.mu.Unlock()
	if n != 1 {
		t.Errorf("expired entry not replaced: %d entries", n)
	}
}

func TestResultCacheBounded(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.MaxCacheSize = 50
	v := New(cfg)

	for i := 0; i < 200; i++ {
		v.Validate("field", strings.Repeat("x", i+1), nil, false)
	}

	v.mu.Lock()
	n := len(v.results)
	v.mu.Unlock()
	if n > 50 {
		t.Errorf("cache grew to %d entries, cap is 50", n)
	}
}
