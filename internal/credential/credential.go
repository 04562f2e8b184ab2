// Package credential decides which API key governs outbound calls.
package credential

import "strings"

// Resolve returns the active credential. A non-blank userValue overrides
// envValue; when neither is set there is no active credential.
func Resolve(envValue, userValue string) (string, bool) {
	if v := strings.TrimSpace(userValue); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(envValue); v != "" {
		return v, true
	}
	return "", false
}

// Mask hides all but the last four characters of a key for display.
func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
