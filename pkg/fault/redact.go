package fault

import "strings"

// secretKeys are field names whose values must never reach logs or payloads.
var secretKeys = []string{
	"credentials", "token", "apikey", "api_key", "privatekey", "private_key",
	"password", "secret", "client_secret", "access_token", "refresh_token",
}

const redacted = "[REDACTED]"

// IsSecretKey reports whether the field name refers to secret material.
func IsSecretKey(name string) bool {
	n := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for _, k := range secretKeys {
		if n == k || strings.HasSuffix(n, "_"+k) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of m with secret values replaced. Nested maps
// are walked; a map under a secret key is replaced wholesale.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSecretKey(k) {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// RedactStrings is Redact for flat string maps such as credential sets.
func RedactStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = redacted
	}
	return out
}
