package secrets

import (
	"regexp"
)

// Redactor masks credentials before values reach logs
type Redactor struct {
	patterns    []*regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default sensitive patterns
func NewRedactor() *Redactor {
	defaultPatterns := []string{
		// Database connection strings
		`(postgres(?:ql)?|redis)://[^:/\s]+:[^@\s]+@`,
		// API keys and tokens in key=value form
		`(?i)(?:api[_-]?key|token|secret|password)["\s]*[:=]["\s]*[^\s"',}&]+`,
		`(?i)bearer\s+[a-zA-Z0-9\-\._~\+/]+=*`,
	}

	patterns := make([]*regexp.Regexp, len(defaultPatterns))
	for i, pattern := range defaultPatterns {
		patterns[i] = regexp.MustCompile(pattern)
	}

	return &Redactor{patterns: patterns, replacement: "[REDACTED]"}
}

// Redact replaces every sensitive match in s
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, r.replacement)
	}
	return s
}
