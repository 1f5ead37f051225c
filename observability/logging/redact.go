package logging

import "strings"

// RedactedValue is the placeholder substituted for sensitive material in logs.
const RedactedValue = "[REDACTED]"

// MaskSecret fully masks a secret value. Empty values pass through unchanged so
// optional fields do not add noise.
func MaskSecret(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskToken keeps the first few characters of a bearer token so operators can
// correlate rejected credentials across log lines without exposing the token.
func MaskToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return trimmed
	}
	if len(trimmed) <= 8 {
		return RedactedValue
	}
	return trimmed[:6] + "..." + RedactedValue
}
