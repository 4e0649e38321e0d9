package herderlog

import (
	"fmt"
	"regexp"
)

// Redactor masks sensitive substrings in captured child output before a
// line reaches the log ring or the event bus. The built-in pattern set
// covers the secrets dev-server output actually leaks (bearer tokens, API
// keys, connection string passwords).
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// RedactRule is one caller-supplied redaction rule.
type RedactRule struct {
	Name        string
	Pattern     string
	Replacement string
}

// NewRedactor compiles the given rules. An empty rule set yields a redactor
// that passes lines through unchanged.
func NewRedactor(rules []RedactRule) (*Redactor, error) {
	r := &Redactor{}
	for _, rule := range rules {
		if rule.Pattern == "" {
			return nil, fmt.Errorf("redaction rule %q has empty pattern", rule.Name)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redaction rule %q: %w", rule.Name, err)
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = "***"
		}
		r.patterns = append(r.patterns, redactPattern{name: rule.Name, regex: re, replacement: replacement})
	}
	return r, nil
}

// DefaultRedactor masks the common token/password shapes.
func DefaultRedactor() *Redactor {
	r, err := NewRedactor([]RedactRule{
		{Name: "bearer-token", Pattern: `(?i)(bearer\s+)[a-z0-9\-_\.]+`, Replacement: "${1}***"},
		{Name: "api-key", Pattern: `(?i)(api[_-]?key["'=:\s]+)[a-z0-9\-_]+`, Replacement: "${1}***"},
		{Name: "url-password", Pattern: `(://[^:/\s]+:)[^@/\s]+(@)`, Replacement: "${1}***${2}"},
	})
	if err != nil {
		panic(err) // built-in patterns, compile-checked by tests
	}
	return r
}

// Redact applies every rule to the line.
func (r *Redactor) Redact(line string) string {
	for _, p := range r.patterns {
		line = p.regex.ReplaceAllString(line, p.replacement)
	}
	return line
}
