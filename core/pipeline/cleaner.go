package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var typographicReplacer = strings.NewReplacer(
	"\u2018", "'",
	"\u2019", "'",
	"\u201c", `"`,
	"\u201d", `"`,
	"\u2013", "-",
	"\u2014", "-",
	"\u2026", "...",
	"\u00a0", " ",
	"\r\n", "\n",
	"\r", "\n",
)

// Common OCR misreadings in spanish clinical documents.
var ocrWordFixes = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\brng/dL\b`), "mg/dL"},
	{regexp.MustCompile(`\brng\b`), "mg"},
	{regexp.MustCompile(`\btablctas\b`), "tabletas"},
	{regexp.MustCompile(`\bpacicnte\b`), "paciente"},
	{regexp.MustCompile(`\bmedicarnento\b`), "medicamento"},
	{regexp.MustCompile(`\btratarniento\b`), "tratamiento"},
	{regexp.MustCompile(`\bhipertensi6n\b`), "hipertension"},
	{regexp.MustCompile(`\bdiab3tes\b`), "diabetes"},
	{regexp.MustCompile(`\bM3tformina\b`), "Metformina"},
	{regexp.MustCompile(`\bLosart@n\b`), "Losartan"},
	{regexp.MustCompile(`\bGlib3nclamida\b`), "Glibenclamida"},
	{regexp.MustCompile(`\bOmepraz0l\b`), "Omeprazol"},
	{regexp.MustCompile(`(\w),,(\w)`), "$1,$2"},
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v]+`)
	manyNewlines    = regexp.MustCompile(`\n{3,}`)
	spaceAtLineEdge = regexp.MustCompile(` *\n *`)
)

// CleanText normalizes OCR output before it is stored as the document's raw text.
// Entity offsets and chunk positions refer to the cleaned text.
func CleanText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	cleaned := norm.NFKC.String(text)
	cleaned = typographicReplacer.Replace(cleaned)
	cleaned = fixOCRArtifacts(cleaned)

	cleaned = horizontalSpace.ReplaceAllString(cleaned, " ")
	cleaned = spaceAtLineEdge.ReplaceAllString(cleaned, "\n")
	cleaned = manyNewlines.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}

func fixOCRArtifacts(text string) string {
	text = fixDigitsInWords(text)
	for _, fix := range ocrWordFixes {
		text = fix.pattern.ReplaceAllString(text, fix.replacement)
	}
	return text
}

// fixDigitsInWords replaces 0, 1 and | between two letters with o, l and l.
func fixDigitsInWords(text string) string {
	r := []rune(text)
	changed := false
	for i := 1; i < len(r)-1; i++ {
		if !unicode.IsLetter(r[i-1]) || !unicode.IsLetter(r[i+1]) {
			continue
		}
		switch r[i] {
		case '0':
			r[i] = 'o'
			changed = true
		case '1', '|':
			r[i] = 'l'
			changed = true
		}
	}
	if !changed {
		return text
	}
	return string(r)
}

var accentFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldText lowercases text and strips diacritics, for keyword matching.
func FoldText(text string) string {
	folded, _, err := transform.String(accentFolder, text)
	if err != nil {
		folded = text
	}
	return strings.ToLower(folded)
}
