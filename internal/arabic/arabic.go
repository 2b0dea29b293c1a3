// Package arabic holds the script predicates shared by OCR reconstruction and
// AI response validation.
package arabic

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinExtractionLength is the shortest collapsed text accepted as a valid
// extraction by IsValidExtraction.
const MinExtractionLength = 8

// Arabic blocks + presentation forms.
var ranges = [][2]rune{
	{0x0600, 0x06FF}, // Arabic
	{0x0750, 0x077F}, // Arabic Supplement
	{0x08A0, 0x08FF}, // Arabic Extended-A
	{0xFB50, 0xFDFF}, // Presentation Forms-A
	{0xFE70, 0xFEFF}, // Presentation Forms-B
}

// IsArabicRune reports whether r falls in one of the Arabic ranges.
func IsArabicRune(r rune) bool {
	for _, rg := range ranges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// HasArabic reports whether s contains at least one Arabic-range rune.
func HasArabic(s string) bool {
	for _, r := range s {
		if IsArabicRune(r) {
			return true
		}
	}
	return false
}

// Sanitize replaces every rune outside the Arabic ranges and whitespace with a
// space, then collapses whitespace. Tatweel and Arabic punctuation (؟ ، ؛)
// live inside U+0600–06FF and survive.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if IsArabicRune(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return CollapseWhitespace(b.String())
}

// CollapseWhitespace trims s and folds every whitespace run into one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeLines keeps the lines of raw that carry Arabic, joins them with a
// space and sanitizes the result.
func NormalizeLines(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if HasArabic(line) {
			kept = append(kept, line)
		}
	}
	return Sanitize(strings.Join(kept, " "))
}

// Length counts runes, which matches characters for Arabic text.
func Length(s string) int {
	return utf8.RuneCountInString(s)
}

// IsValidExtraction reports whether s, after whitespace collapse, is at least
// MinExtractionLength runes long and contains Arabic.
func IsValidExtraction(s string) bool {
	return MeetsMinimum(s, MinExtractionLength)
}

// MeetsMinimum is IsValidExtraction with a caller-chosen length floor.
func MeetsMinimum(s string, minLength int) bool {
	collapsed := CollapseWhitespace(s)
	return Length(collapsed) >= minLength && HasArabic(collapsed)
}
