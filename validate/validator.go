// Package validate is the rule-based input validation and sanitization
// layer. It sits on the request hot path, so rule patterns are compiled
// once and results are cached by value hash.
package validate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgecore/edgecore/observability"
)

// Result is the outcome of validating one field.
type Result struct {
	Valid     bool    `json:"valid"`
	Original  string  `json:"original"`
	Sanitized string  `json:"sanitized"`
	Issues    []Issue `json:"issues"`
}

// Config controls the result cache.
type Config struct {
	CacheTTL     time.Duration
	MaxCacheSize int
}

// DefaultValidatorConfig returns the documented defaults.
func DefaultValidatorConfig() Config {
	return Config{
		CacheTTL:     60 * time.Second,
		MaxCacheSize: 10000,
	}
}

type cachedResult struct {
	result     Result
	storedAt   time.Time
	lastAccess time.Time
}

// Validator validates fields against named rules, auto-applied
// heuristics, and the security patterns.
type Validator struct {
	cfg Config

	mu      sync.Mutex
	custom  map[string]Rule
	results map[string]*cachedResult
}

// New creates a validator.
func New(cfg Config) *Validator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 10000
	}
	return &Validator{
		cfg:     cfg,
		custom:  make(map[string]Rule),
		results: make(map[string]*cachedResult),
	}
}

// RegisterRule installs a custom rule, shadowing a built-in of the
// same name.
func (v *Validator) RegisterRule(r Rule) {
	v.mu.Lock()
	v.custom[r.Name] = r
	v.mu.Unlock()
}

// Validate checks one field. With no rules given, a field-name
// heuristic may supply one. Security patterns always run; a threat
// match is an error-severity issue with the value redacted.
func (v *Validator) Validate(fieldName, value string, rules []string, sanitize bool) Result {
	start := time.Now()
	defer func() {
		observability.ValidationLatency.Observe(time.Since(start).Seconds())
	}()

	key := cacheKey(fieldName, value, rules, sanitize)
	if cached, ok := v.cachedResult(key); ok {
		observability.ValidationCacheHits.Inc()
		return cached
	}

	result := Result{Valid: true, Original: value, Sanitized: value}

	sec := CheckSecurity(value)
	if !sec.Safe {
		for threat, hit := range sec.Threats {
			if !hit {
				continue
			}
			result.Issues = append(result.Issues, Issue{
				Field:    fieldName,
				Code:     threat,
				Message:  fmt.Sprintf("%s detected in %s: [REDACTED]", threat, fieldName),
				Severity: SeverityError,
			})
		}
	}

	for _, rule := range v.resolveRules(fieldName, rules) {
		result.Issues = append(result.Issues, rule.apply(fieldName, value)...)
	}

	for _, issue := range result.Issues {
		if issue.Severity == SeverityError {
			result.Valid = false
			break
		}
	}

	if sanitize {
		result.Sanitized = Sanitize(value, nil)
	}

	v.storeResult(key, result)
	return result
}

// ValidateBatch validates a set of fields; rulesMap entries override
// the per-field heuristics.
func (v *Validator) ValidateBatch(fields map[string]string, rulesMap map[string][]string) map[string]Result {
	out := make(map[string]Result, len(fields))
	for name, value := range fields {
		out[name] = v.Validate(name, value, rulesMap[name], true)
	}
	return out
}

// resolveRules maps rule names to rules, falling back to the field-name
// heuristic when no names are given.
func (v *Validator) resolveRules(fieldName string, names []string) []Rule {
	if len(names) == 0 {
		if auto := heuristicRule(fieldName); auto != "" {
			names = []string{auto}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		if r, ok := v.custom[name]; ok {
			rules = append(rules, r)
			continue
		}
		if r, ok := builtinRules[name]; ok {
			rules = append(rules, r)
		}
	}
	return rules
}

func (v *Validator) cachedResult(key string) (Result, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.results[key]
	if !ok {
		return Result{}, false
	}
	if time.Since(entry.storedAt) > v.cfg.CacheTTL {
		delete(v.results, key)
		return Result{}, false
	}
	entry.lastAccess = time.Now()
	return entry.result, true
}

func (v *Validator) storeResult(key string, result Result) {
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.results) >= v.cfg.MaxCacheSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range v.results {
			if oldestKey == "" || e.lastAccess.Before(oldest) {
				oldestKey = k
				oldest = e.lastAccess
			}
		}
		delete(v.results, oldestKey)
	}
	v.results[key] = &cachedResult{result: result, storedAt: now, lastAccess: now}
}

// cacheKey hashes the value so the cache never holds raw long inputs as
// keys. The sanitize flag is part of the key: the same value validated
// with and without sanitization yields different results.
func cacheKey(fieldName, value string, rules []string, sanitize bool) string {
	h := uint64(14695981039346656037)
	for i := 0; i < len(value); i++ {
		h *= 1099511628211
		h ^= uint64(value[i])
	}
	return fmt.Sprintf("%s|%x|%s|%t", fieldName, h, strings.Join(rules, ","), sanitize)
}
