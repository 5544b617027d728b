package envelope

import (
	"regexp"
)

// Credential redaction applies to every error detail and log field before it
// leaves the process. Keys are matched case-insensitively.
var (
	secretKeyPattern = regexp.MustCompile(`(?i)(password|token|api[_-]?key|secret|authorization)`)
	dsnPassPattern   = regexp.MustCompile(`(?i)(password=)[^\s&;]+`)
	urlCredPattern   = regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+(@)`)
)

const redacted = "[REDACTED]"

// SanitizeValue redacts a value whose key looks credential-bearing, and
// scrubs DSN-style password fields embedded in any value.
func SanitizeValue(key, value string) string {
	if secretKeyPattern.MatchString(key) {
		return redacted
	}
	return SanitizeText(value)
}

// SanitizeText scrubs credential substrings (DSN password fields, URL
// userinfo) from free-form text such as upstream error bodies.
func SanitizeText(text string) string {
	text = dsnPassPattern.ReplaceAllString(text, "${1}"+redacted)
	text = urlCredPattern.ReplaceAllString(text, "${1}"+redacted+"${2}")
	return text
}

// SanitizeMap returns a copy of details with credential values redacted.
func SanitizeMap(details map[string]string) map[string]string {
	if details == nil {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = SanitizeValue(k, v)
	}
	return out
}

// Truncate bounds a payload excerpt before it is logged or attached to an
// error detail. Upstream bodies are never attached verbatim.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
