package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/siherrmann/docsalud/model"
)

// PlainTextExtractor extracts text files. Other formats are rejected as unreadable,
// an OCR engine plugs in as its own ExtractFunc.
// Pages are separated by form feeds.
func PlainTextExtractor() ExtractFunc {
	return func(ctx context.Context, file []byte, mimeType string) (*Extraction, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(file) == 0 {
			return nil, fmt.Errorf("%w: empty file", model.ErrUnreadableDocument)
		}

		if mimeType == "" {
			mimeType = http.DetectContentType(file)
		}
		if !strings.HasPrefix(mimeType, "text/") {
			return nil, fmt.Errorf("%w: unsupported mime type %q", model.ErrUnreadableDocument, mimeType)
		}
		if !utf8.Valid(file) {
			return nil, fmt.Errorf("%w: file is not valid utf-8", model.ErrUnreadableDocument)
		}

		text := string(file)
		confidence := printableRatio(text)
		if strings.TrimSpace(text) == "" {
			confidence = 0
		}

		return &Extraction{
			Text:       text,
			Confidence: confidence,
			PageCount:  bytes.Count(file, []byte{'\f'}) + 1,
		}, nil
	}
}

// CleaningExtractor runs CleanText over the output of extractor.
func CleaningExtractor(extractor ExtractFunc) ExtractFunc {
	return func(ctx context.Context, file []byte, mimeType string) (*Extraction, error) {
		extraction, err := extractor(ctx, file, mimeType)
		if err != nil {
			return nil, err
		}
		extraction.Text = CleanText(extraction.Text)
		return extraction, nil
	}
}

// printableRatio is the share of letters, digits, punctuation and whitespace in text.
func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(printable) / float64(total)
}
