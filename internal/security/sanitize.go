// Package security cleans client-supplied identifiers before they reach
// file names or the run store.
package security

import "strings"

// MaxNameLen bounds SanitizeName output.
const MaxNameLen = 128

// SanitizeName keeps ASCII letters, digits, '.', '_' and '-', folds every
// other run of characters into one '_', trims leading and trailing dots and
// underscores, and caps the length at MaxNameLen. An empty result becomes
// "unknown".
func SanitizeName(s string) string {
	var b strings.Builder
	folded := false
	for _, r := range s {
		if b.Len() >= MaxNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			folded = false
		case !folded:
			b.WriteByte('_')
			folded = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}
