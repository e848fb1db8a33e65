package utils

import (
	"strings"
	"unicode"
)

// NormalizeName upper-cases an area or plot name and collapses
// separators to single spaces.
func NormalizeName(raw string) string {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ',', '/':
			return ' '
		}
		return unicode.ToUpper(r)
	}, raw)
	return strings.Join(strings.Fields(normalized), " ")
}

// CompactName keeps only letters and digits of the normalized name.
func CompactName(raw string) string {
	normalized := NormalizeName(raw)
	var b strings.Builder
	for _, r := range normalized {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FuzzyNameMatch compares names ignoring case, spacing and punctuation,
// and accepts containment when the shorter name is at least 4 characters.
func FuzzyNameMatch(a, b string) bool {
	ca, cb := CompactName(a), CompactName(b)
	if ca == "" || cb == "" {
		return false
	}
	if ca == cb {
		return true
	}
	if len(ca) > len(cb) {
		ca, cb = cb, ca
	}
	return len(ca) >= 4 && strings.Contains(cb, ca)
}
