package storage

import "strings"

// SanitizeKey maps an arbitrary key to a backend-safe identifier containing
// only [A-Za-z0-9_.-]. Every other byte becomes an underscore.
//
// Note: this is a lossy mapping — "telegram:123" and "telegram_123" produce
// the same identifier. Callers that need distinct keys must keep them
// distinct before sanitization.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '.', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// sanitizeSecretKey is SanitizeKey with slashes preserved, for hierarchical
// secret names.
func sanitizeSecretKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = SanitizeKey(p)
	}
	return strings.Join(parts, "/")
}
