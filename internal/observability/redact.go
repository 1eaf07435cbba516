package observability

import (
	"regexp"
	"unicode/utf8"
)

// Redactor masks credentials and personal data in request context before it
// reaches debug logs.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.mustAdd(`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_KEY]")
	r.mustAdd(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]")
	r.mustAdd(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]")
	r.mustAdd(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`, "[REDACTED_CARD]")
	return r
}

func (r *Redactor) mustAdd(pattern, replacement string) {
	r.patterns = append(r.patterns, redactPattern{
		regex:       regexp.MustCompile(pattern),
		replacement: replacement,
	})
}

// AddPattern adds a custom pattern. Invalid patterns return an error.
func (r *Redactor) AddPattern(pattern, replacement string) error {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, redactPattern{regex: regex, replacement: replacement})
	return nil
}

// Redact applies every pattern to input.
func (r *Redactor) Redact(input string) string {
	for _, p := range r.patterns {
		input = p.regex.ReplaceAllString(input, p.replacement)
	}
	return input
}

// Preview returns at most maxRunes runes of the redacted input.
func (r *Redactor) Preview(input string, maxRunes int) string {
	out := r.Redact(input)
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "..."
}
