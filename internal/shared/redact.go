package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with its replacement template. Templates
// reference capture groups to preserve the non-secret prefix of a match.
type secretPattern struct {
	re      *regexp.Regexp
	replace string
}

var secretPatterns = []secretPattern{
	// Credential-naming key/value pairs: keep the key, drop the value.
	{
		re:      regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|pairing[_-]?code|bearer)(\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{8,}"?`),
		replace: "${1}${2}" + redactedPlaceholder,
	},
	// Authorization-header bearer values.
	{
		re:      regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`),
		replace: "${1}" + redactedPlaceholder,
	},
	// Issued access tokens, recognizable by their cgt_ prefix.
	{
		re:      regexp.MustCompile(`cgt_[0-9a-f]{16,}`),
		replace: redactedPlaceholder,
	},
	// UUIDs sitting in token/secret positions.
	{
		re:      regexp.MustCompile(`(?i)(token|secret)(\s*[:=]\s*)"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`),
		replace: "${1}${2}" + redactedPlaceholder,
	},
}

// Redact scrubs credential material out of a string before it reaches a
// log sink or an event payload.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, p := range secretPatterns {
		input = p.re.ReplaceAllString(input, p.replace)
	}
	return input
}

// envSecretHints marks variable names whose values must never be echoed.
var envSecretHints = []string{"api_key", "apikey", "secret", "token", "password", "credential", "pairing"}

// RedactEnvValue returns the value unless the variable name suggests it
// holds a credential.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, hint := range envSecretHints {
		if strings.Contains(lower, hint) {
			return redactedPlaceholder
		}
	}
	return value
}
