// Package kebab normalizes agent class names for URL routing.
package kebab

import "strings"

// FromClassName lowercases name and inserts '-' at camel-case boundaries
// and before an uppercase letter that follows a digit; runs of '_'
// collapse to a single '-'; a trailing '-' is dropped.
func FromClassName(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
			continue
		case isBoundary(runes, i):
			b.WriteByte('-')
		}
		b.WriteRune(toLower(r))
	}
	out := b.String()
	out = collapseDashes(out)
	return strings.TrimSuffix(out, "-")
}

// isBoundary reports whether a '-' belongs before runes[i]: a
// lowercase/digit-to-uppercase camel transition, or the last letter of an
// acronym run right before a new capitalized word (HTTPServer -> http,
// then Server). A digit run attaches to the letters before it with no
// separator (Test123 -> test123); one only appears when a digit is
// followed by an uppercase letter (test123Agent -> test123-agent).
func isBoundary(runes []rune, i int) bool {
	if i == 0 {
		return false
	}
	prev, cur := runes[i-1], runes[i]
	if !isUpper(cur) {
		return false
	}
	if isLower(prev) || isDigit(prev) {
		return true
	}
	if isUpper(prev) && i+1 < len(runes) && isLower(runes[i+1]) {
		return true
	}
	return false
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func toLower(r rune) rune {
	if isUpper(r) {
		return r + ('a' - 'A')
	}
	return r
}

func collapseDashes(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		if r == '-' {
			if lastDash {
				continue
			}
			lastDash = true
		} else {
			lastDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
