package overlay

import "strings"

// CanonicalName lower-cases s and collapses any run of '-', '_', '.' into
// a single '-' (spec.md glossary: "Canonical package name").
func CanonicalName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastWasSep := false
	for _, r := range strings.ToLower(s) {
		if r == '-' || r == '_' || r == '.' {
			if !lastWasSep {
				b.WriteByte('-')
				lastWasSep = true
			}
			continue
		}
		b.WriteRune(r)
		lastWasSep = false
	}
	return b.String()
}
