// Package security rates passkeys before they are used to guard a record.
//
// Ratings are advisory. Storing a record is never refused because of its
// passkey strength; the shells only print a warning.
package security

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Strength represents the strength level of a passkey.
type Strength int

const (
	// Weak indicates a passkey shorter than 8 characters or a well-known one.
	Weak Strength = iota
	// Fair indicates a minimally acceptable passkey.
	Fair
	// Good indicates a good passkey.
	Good
	// Strong indicates a strong passkey.
	Strong
)

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case Weak:
		return "Weak"
	case Fair:
		return "Fair"
	case Good:
		return "Good"
	case Strong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Assessment is the result of rating a passkey.
type Assessment struct {
	Strength Strength
	// Warnings explain a Weak or Fair rating.
	Warnings []string
}

// commonPasskeys are rejected as Weak regardless of length.
var commonPasskeys = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"admin123":    {},
	"12345678":    {},
	"123456789":   {},
	"1234567890":  {},
	"qwertyuiop":  {},
	"letmein123":  {},
	"iloveyou":    {},
}

// CalculatePasskeyStrength rates a passkey by length. Length is measured in
// characters of the NFC form, so the rating matches what is hashed.
//
// NIST SP 800-63B recommends length over composition rules:
//   - 20+ characters: Strong
//   - 14+ characters: Good
//   - 8+ characters: Fair
//   - otherwise: Weak
func CalculatePasskeyStrength(passkey string) Strength {
	return Assess(passkey).Strength
}

// Assess rates a passkey and lists what made it weak.
func Assess(passkey string) Assessment {
	normalized := norm.NFC.String(passkey)
	length := utf8.RuneCountInString(normalized)

	var a Assessment
	switch {
	case length >= 20:
		a.Strength = Strong
	case length >= 14:
		a.Strength = Good
	case length >= 8:
		a.Strength = Fair
	default:
		a.Strength = Weak
		a.Warnings = append(a.Warnings, "shorter than 8 characters")
	}

	if _, ok := commonPasskeys[strings.ToLower(normalized)]; ok {
		a.Strength = Weak
		a.Warnings = append(a.Warnings, "commonly used passkey")
	}
	if length >= 8 && singleClass(normalized) {
		a.Warnings = append(a.Warnings, "uses a single character class")
	}

	return a
}

// singleClass reports whether every character is a digit, or every character
// is a letter.
func singleClass(s string) bool {
	digits, letters := true, true
	for _, r := range s {
		if !unicode.IsDigit(r) {
			digits = false
		}
		if !unicode.IsLetter(r) {
			letters = false
		}
	}
	return digits || letters
}
