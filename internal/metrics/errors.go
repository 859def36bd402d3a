package metrics

import (
	"strings"
	"unicode"
)

var friendlyReasons = map[string]string{
	"connection_refused": "Connection refused",
	"protocol_violation": "Protocol violation",
	"timeout":            "Timed out",
	"timed_out":          "Timed out",
	"transport_closed":   "Closed by server",
	"transport_error":    "Transport error",
	"server_error":       "Server error",
	"aborted":            "Aborted after grace period",
}

// FriendlyReason returns a human-friendly label for a failure reason key.
func FriendlyReason(reason string) string {
	cleaned := strings.ToLower(strings.TrimSpace(reason))
	if cleaned == "" {
		return "Unknown error"
	}
	if alias, ok := friendlyReasons[cleaned]; ok {
		return alias
	}
	return humanize(cleaned)
}

// humanize turns snake_case or kebab-case keys into a sentence-cased label.
func humanize(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return ""
	}
	runes := []rune(words[0])
	runes[0] = unicode.ToUpper(runes[0])
	words[0] = string(runes)
	return strings.Join(words, " ")
}
