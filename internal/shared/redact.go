package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing fragments in log and error strings.
var secretPatterns = []*regexp.Regexp{
	// JSON request bodies echoed into errors.
	regexp.MustCompile(`(?i)("(?:node_key|enroll_secret)"\s*:\s*")([^"]+)(")`),
	// key=value and key: value forms.
	regexp.MustCompile(`(?i)((?:node[_-]?key|enroll[_-]?secret|auth[_-]?token|api[_-]?key)\s*[:=]\s*)"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			switch len(submatch) {
			case 4:
				return submatch[1] + redactedPlaceholder + submatch[3]
			case 3:
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSecretKey reports whether an attribute or config key names a credential.
func IsSecretKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"node_key", "enroll_secret", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactEnvValue returns the redaction placeholder when key looks secret.
func RedactEnvValue(key, value string) string {
	if IsSecretKey(key) {
		return redactedPlaceholder
	}
	return value
}
