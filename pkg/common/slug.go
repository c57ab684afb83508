package common

import (
	"strings"
	"unicode"
)

// Slugify lower-cases text and joins its alphanumeric runs with underscores,
// the way Home Assistant derives object ids from names.
func Slugify(text string) string {
	var b strings.Builder
	pendingSeparator := false

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSeparator && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSeparator = false
			b.WriteRune(r)
			continue
		}
		pendingSeparator = true
	}

	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
