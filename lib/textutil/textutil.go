package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases a name and drops all whitespace, so "Aflevering 1"
// and "aflevering1" compare equal.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// SameName compares two names after normalizing them.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}
