package resource

import (
	"strings"
	"unicode"
)

// NormalizeName converts an API field name into a snake_case identifier
// usable as a column or table name in every destination.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(strings.TrimSpace(s))
	lastUnderscore := true
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			// Break before an upper-case rune unless it continues an acronym.
			if !lastUnderscore && i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case r == '_':
			// Keep "__" separators produced by flattening.
			b.WriteByte('_')
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "_"
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "_" + out
	}
	return out
}

// JoinPath joins flattened name segments with the nested-field separator.
func JoinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "__" + child
}
