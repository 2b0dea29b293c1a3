/**
 * Layout Reconstructor
 *
 * Rebuilds right-to-left reading order from word bounding boxes:
 * - Drops low-confidence and non-Arabic tokens
 * - Groups tokens into lines by vertical centre proximity
 * - Orders lines top to bottom and tokens right to left
 *
 * Falls back to a flat token join, then to the engine's raw text.
 */

package processor

import (
	"sort"
	"strings"

	"github.com/duavault/extract-worker/internal/arabic"
)

const (
	// MinWordConfidence is the engine confidence (0..100) below which a word is ignored.
	MinWordConfidence = 35.0
	// LineTolerance is the maximum centre distance, in pixels, for a token to join a line.
	LineTolerance = 18.0
)

// LayoutSource names the tier that produced reconstructed text.
type LayoutSource string

const (
	SourceLayout  LayoutSource = "layout"
	SourceWords   LayoutSource = "words"
	SourceRawText LayoutSource = "raw_text"
	SourceNone    LayoutSource = "none"
)

// LayoutReconstructor turns engine words into ordered Arabic text.
type LayoutReconstructor struct {
	minConfidence float64
	lineTolerance float64
}

// NewLayoutReconstructor creates a reconstructor with the default thresholds
func NewLayoutReconstructor() *LayoutReconstructor {
	return &LayoutReconstructor{
		minConfidence: MinWordConfidence,
		lineTolerance: LineTolerance,
	}
}

type positionedToken struct {
	text string
	box  BoundingBox
}

type textLine struct {
	centre float64
	tokens []positionedToken
}

// Reconstruct runs the three tiers in order and reports which one produced
// the text. The result may be empty.
func (l *LayoutReconstructor) Reconstruct(rec *Recognition) (string, LayoutSource) {
	if rec == nil {
		return "", SourceNone
	}
	if text := l.FromLayout(rec.Words); text != "" {
		return text, SourceLayout
	}
	if text := l.FromWords(rec.Words); text != "" {
		return text, SourceWords
	}
	if text := arabic.NormalizeLines(rec.RawText); text != "" {
		return text, SourceRawText
	}
	return "", SourceNone
}

// FromLayout groups confident, boxed Arabic tokens into lines.
func (l *LayoutReconstructor) FromLayout(words []OCRWord) string {
	candidates := make([]positionedToken, 0, len(words))
	for _, w := range words {
		if w.Confidence < l.minConfidence || w.BoundingBox == nil {
			continue
		}
		text := arabic.Sanitize(strings.TrimSpace(w.Text))
		if text == "" || !arabic.HasArabic(text) {
			continue
		}
		candidates = append(candidates, positionedToken{text: text, box: *w.BoundingBox})
	}
	if len(candidates) == 0 {
		return ""
	}

	// First match wins, in order of appearance; the running centre drifts
	// toward later tokens.
	var lines []*textLine
	for _, tok := range candidates {
		centre := tok.box.CenterY()
		var target *textLine
		for _, line := range lines {
			if abs(line.centre-centre) < l.lineTolerance {
				target = line
				break
			}
		}
		if target == nil {
			lines = append(lines, &textLine{centre: centre, tokens: []positionedToken{tok}})
			continue
		}
		target.tokens = append(target.tokens, tok)
		target.centre = (target.centre + centre) / 2
	}

	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].centre < lines[j].centre
	})

	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		sort.SliceStable(line.tokens, func(i, j int) bool {
			return line.tokens[i].box.X1 > line.tokens[j].box.X1
		})
		parts := make([]string, len(line.tokens))
		for i, tok := range line.tokens {
			parts[i] = tok.text
		}
		rendered = append(rendered, strings.Join(parts, " "))
	}

	return arabic.NormalizeLines(strings.Join(rendered, "\n"))
}

// FromWords joins confident Arabic tokens in engine order, ignoring geometry.
func (l *LayoutReconstructor) FromWords(words []OCRWord) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if w.Confidence < l.minConfidence {
			continue
		}
		token := strings.TrimSpace(w.Text)
		if !arabic.HasArabic(token) {
			continue
		}
		if cleaned := arabic.Sanitize(token); cleaned != "" {
			parts = append(parts, cleaned)
		}
	}
	return arabic.CollapseWhitespace(strings.Join(parts, " "))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
