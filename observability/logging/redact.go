package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the placeholder emitted in place of sensitive log fields.
const RedactedValue = "[REDACTED]"

var redactionDenylist = map[string]struct{}{
	"authorization": {},
	"private_key":   {},
	"mnemonic":      {},
	"api_key":       {},
	"token":         {},
	"secret":        {},
}

// Redact masks the attribute's value when its key names a credential.
func Redact(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}

// IsSensitive reports whether the key is on the redaction deny list.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionDenylist[normalized]
	return ok
}

// RedactionDenylist returns a sorted copy of the masked log keys. Tests use
// it to pin the set of fields that must never leak.
func RedactionDenylist() []string {
	keys := make([]string, 0, len(redactionDenylist))
	for key := range redactionDenylist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
