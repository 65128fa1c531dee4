package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison (lowercase, no diacritics, spaces for dashes).
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return strings.Join(strings.Fields(name), " ")
}

// CleanPersonName trims a display name and collapses inner whitespace.
// The result keeps case and diacritics.
func CleanPersonName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}

// SamePersonName reports whether two display names refer to the same person.
func SamePersonName(a, b string) bool {
	return NormalizePersonName(a) == NormalizePersonName(b)
}
