// Package ai normalizes Arabic dua text through a generative backend: OCR
// cleanup, translation with categorization, and extraction straight from an
// image or a web page. Every call goes through the same cache, timeout, retry and schema
// validation path.
package ai

import "strings"

// Category is the fixed set of dua categories.
type Category string

const (
	CategoryMorningEvening Category = "Morning/Evening"
	CategoryTravel         Category = "Travel"
	CategoryFood           Category = "Food"
	CategorySleep          Category = "Sleep"
	CategoryProtection     Category = "Protection"
	CategoryGratitude      Category = "Gratitude"
	CategoryGeneral        Category = "General"
	CategoryOther          Category = "Other"
)

// DefaultCategory replaces any value outside Categories.
const DefaultCategory = CategoryGeneral

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryMorningEvening,
	CategoryTravel,
	CategoryFood,
	CategorySleep,
	CategoryProtection,
	CategoryGratitude,
	CategoryGeneral,
	CategoryOther,
}

// ParseCategory matches s case-insensitively against the known categories and
// falls back to DefaultCategory.
func ParseCategory(s string) Category {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(s, string(c)) {
			return c
		}
	}
	return DefaultCategory
}

func categoryList() string {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// NormalizedRecord is the structured output of every operation. Translation
// is empty for cleanup and for image extraction without translation.
type NormalizedRecord struct {
	Arabic      string   `json:"arabic"`
	Translation string   `json:"translation,omitempty"`
	Category    Category `json:"category,omitempty"`
}

// Result wraps a record with how it was obtained.
type Result struct {
	NormalizedRecord
	CacheHit bool
	// Attempts counts backend calls made for this result; zero on a cache hit.
	Attempts int
}

// Operation identifies a request kind; it prefixes cache keys.
type Operation string

const (
	OpTranslate      Operation = "translate"
	OpCleanup        Operation = "cleanup"
	OpImage          Operation = "image"
	OpImageTranslate Operation = "image_translate"
	OpPage           Operation = "page"
	OpPageTranslate  Operation = "page_translate"
)

// Operations lists every operation; each has its own response schema.
var Operations = []Operation{OpTranslate, OpCleanup, OpImage, OpImageTranslate, OpPage, OpPageTranslate}
