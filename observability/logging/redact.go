package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":       {},
	"env":           {},
	"message":       {},
	"severity":      {},
	"timestamp":     {},
	"error":         {},
	"reason":        {},
	"component":     {},
	"keystore_path": {},
	"token_type":    {},
}

var sensitiveFragments = []string{"secret", "token", "passphrase", "password", "key", "authorization"}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// IsSensitive reports whether key names a value that must not reach logs.
func IsSensitive(key string) bool {
	if IsAllowlisted(key) {
		return false
	}
	normalized := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to be emitted
// without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Redact masks attr when its key looks sensitive. Group values are walked.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		masked := make([]any, 0, len(group))
		for _, child := range group {
			masked = append(masked, Redact(child))
		}
		return slog.Group(attr.Key, masked...)
	}
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
