// Package shared holds small helpers used across process boundaries,
// currently secret redaction for anything that leaves the host: log
// lines, Telegram replies, human-escalation queue entries.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings in free text. Order
// matters: the most specific token shapes run before the generic
// key=value catch-all so the whole token is replaced, not just the
// part after a key prefix.
var secretPatterns = []*regexp.Regexp{
	// Telegram bot tokens (numeric bot id, colon, 35-char secret).
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Generic key-like prefixes followed by a long opaque value.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bot[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// UUID-shaped values after auth-related prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing substrings in the input with
// [REDACTED], keeping any key prefix so the line stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns value unchanged unless key names a credential,
// in which case the value is replaced wholesale.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
