// Package redact strips secrets (embedding API keys, OTLP headers) from
// strings and decoded configuration before they are printed or logged.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
//	safe := redact.String(errText, cfg.Embedding.APIKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a copy of m in which every non-empty string stored under a
// key that looks secret (api_key, token, password...) is replaced by
// [REDACTED]. Nested maps and slices of maps are walked; the input is never
// modified.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = walk(v)
	}
	return out
}

func walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = walk(item)
		}
		return out
	}
	return v
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "api_key", "apikey", "credential", "auth", "headers"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
