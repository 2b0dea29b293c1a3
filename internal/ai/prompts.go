package ai

import (
	"fmt"
	"strings"
)

func translatePrompt(arabicText string) string {
	return fmt.Sprintf(`Analyze this Arabic dua: "%s".
Return the Arabic text exactly as given, a faithful English translation, and categorize it as one of: %s.
Return ONLY JSON.`, arabicText, categoryList())
}

func cleanupPrompt(arabicText string) string {
	return fmt.Sprintf(`The following Arabic dua was read by OCR and may contain recognition artifacts:
"%s"
Correct obvious OCR mistakes (broken letters, stray marks, wrongly split or merged words) using your knowledge of well-known duas.
Do not translate, paraphrase, add or remove words. Return ONLY JSON with the corrected "arabic" text.`, arabicText)
}

// imagePromptLevels is how many escalating image prompts exist.
const imagePromptLevels = 3

// imagePrompt returns the prompt for escalation level 0..imagePromptLevels-1;
// each level demands stricter fidelity than the previous one.
func imagePrompt(level int, includeTranslation bool) string {
	var b strings.Builder
	b.WriteString("You are an expert in Islamic liturgy and Arabic calligraphy.\n")

	switch {
	case level <= 0:
		b.WriteString("1. Extract the Arabic dua from this image with 100% accuracy.\n")
		b.WriteString("2. Correct any obvious OCR typos using your knowledge of famous duas.\n")
	case level == 1:
		b.WriteString("1. Transcribe ONLY the Arabic script visible in this image, character by character, including diacritics (harakat) where visible.\n")
		b.WriteString("2. Do not substitute a different well-known dua; copy what is written.\n")
		b.WriteString("3. The previous attempt returned too little Arabic text. The answer must contain at least one full line of Arabic.\n")
	default:
		b.WriteString("1. STRICT TRANSCRIPTION MODE. Copy every Arabic word in the image verbatim, reading right to left and top to bottom.\n")
		b.WriteString("2. Ignore all non-Arabic text, page numbers, headers and decorations.\n")
		b.WriteString("3. Never return an empty or Latin-only \"arabic\" field. If the text is partially legible, return every legible Arabic word.\n")
	}

	if includeTranslation {
		b.WriteString("Also provide a beautiful, faithful English translation.\n")
	}
	fmt.Fprintf(&b, "Categorize as one of: %s.\n", categoryList())
	b.WriteString("Return ONLY JSON.")
	return b.String()
}

func pagePrompt(pageURL, pageText string, includeTranslation bool) string {
	var b strings.Builder
	b.WriteString("You are an expert in Islamic liturgy and Arabic.\n")
	fmt.Fprintf(&b, "Below is the text of the web page %s.\n", pageURL)
	b.WriteString("1. Find the main Arabic dua on this page and return it exactly as written, including diacritics (harakat) where present.\n")
	b.WriteString("2. Ignore navigation, comments, advertisements and unrelated Arabic text.\n")
	if includeTranslation {
		b.WriteString("3. Provide a beautiful, faithful English translation.\n")
	}
	fmt.Fprintf(&b, "Categorize as one of: %s.\n", categoryList())
	b.WriteString("Return ONLY JSON.\n\nPAGE TEXT:\n")
	b.WriteString(pageText)
	return b.String()
}
