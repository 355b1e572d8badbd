package extractor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/docdex/docdex/internal/models"
)

type Config struct {
	// MinChars and MinWords are the meaningfulness thresholds deciding
	// whether structurally extracted PDF text is usable or OCR fallback
	// is needed. Optimal values are corpus-dependent.
	MinChars int
	MinWords int
	OCRDPI   int
}

type Extractor struct {
	config Config
	runner Runner
	logger *slog.Logger
}

func NewWithConfig(config Config, logger *slog.Logger) *Extractor {
	return NewWithRunner(config, ExecRunner{}, logger)
}

// NewWithRunner builds an extractor with an injected command runner.
func NewWithRunner(config Config, runner Runner, logger *slog.Logger) *Extractor {
	if config.MinChars == 0 {
		config.MinChars = 50
	}
	if config.MinWords == 0 {
		config.MinWords = 10
	}
	if config.OCRDPI == 0 {
		config.OCRDPI = 300
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Extractor{
		config: config,
		runner: runner,
		logger: logger,
	}
}

// Extract converts raw file bytes of the declared media type into plain
// text. Plain-text-like types are decoded directly, HTML is stripped of
// markup, and PDFs go through structural extraction with OCR fallback.
// Any other type is rejected before processing.
func (e *Extractor) Extract(ctx context.Context, content []byte, mediaType string) (string, error) {
	switch normalizeMediaType(mediaType) {
	case "text/html", "application/xhtml+xml":
		return e.extractHTML(content)
	case "application/pdf":
		return e.extractPDF(ctx, content)
	case "application/json", "application/xml", "application/csv":
		return decodeText(content)
	default:
		if strings.HasPrefix(normalizeMediaType(mediaType), "text/") {
			return decodeText(content)
		}
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedType, mediaType)
	}
}

// Meaningful reports whether extracted text clears the configured
// length and word-count thresholds and contains at least one whitespace
// rune, ruling out single-token garbage.
func (e *Extractor) Meaningful(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < e.config.MinChars {
		return false
	}
	if len(strings.Fields(trimmed)) < e.config.MinWords {
		return false
	}
	return strings.ContainsFunc(trimmed, unicode.IsSpace)
}

func normalizeMediaType(mediaType string) string {
	// Drop parameters such as "; charset=utf-8".
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func decodeText(content []byte) (string, error) {
	// Strip a UTF-8 BOM if present.
	content = bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})

	if !utf8.Valid(content) {
		return "", models.ErrEncoding
	}
	return string(content), nil
}

// Selectors likely to hold the main content of an HTML document, tried
// in order before falling back to the whole body.
var contentSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

func (e *Extractor) extractHTML(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", models.ErrEncoding
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrUnsupportedType, err)
	}

	doc.Find("script, style, noscript").Remove()

	var text string
	for _, selector := range contentSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			text = selected.Text()
			break
		}
	}
	if text == "" {
		text = doc.Find("body").Text()
	}

	return collapseWhitespace(text), nil
}

func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
