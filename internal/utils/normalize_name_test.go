package utils

import (
	"testing"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "with spaces",
			input:    "Siltara  Phase  II",
			expected: "SILTARA PHASE II",
		},
		{
			name:     "lowercase",
			input:    "urla",
			expected: "URLA",
		},
		{
			name:     "with dashes",
			input:    "Borai-Industrial_Area",
			expected: "BORAI INDUSTRIAL AREA",
		},
		{
			name:     "already normalized",
			input:    "SIRGITTI",
			expected: "SIRGITTI",
		},
		{
			name:     "with leading/trailing spaces",
			input:    "  Tifra  ",
			expected: "TIFRA",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeName(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFuzzyNameMatch(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected bool
	}{
		{name: "case and punctuation", a: "Siltara Phase-II", b: "SILTARA PHASE II", expected: true},
		{name: "containment", a: "Urla", b: "Urla Industrial Area", expected: true},
		{name: "short containment rejected", a: "IA", b: "Urla IA", expected: false},
		{name: "different names", a: "Borai", b: "Tifra", expected: false},
		{name: "empty", a: "", b: "Tifra", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FuzzyNameMatch(tt.a, tt.b); got != tt.expected {
				t.Errorf("FuzzyNameMatch(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}
