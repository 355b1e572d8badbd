package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/docdex/docdex/internal/models"
)

var pdfHeader = []byte("%PDF-")

// pageDelimiter separates per-page text in the extractor output.
const pageDelimiter = "\n\n"

// extractPDF runs the two-phase extraction: a structural pass first,
// then OCR when the structural text fails the meaningfulness check.
// Once the content is recognizably a PDF this never returns an error;
// the caller has already committed to indexing the file, so the worst
// case is a placeholder naming the failure.
func (e *Extractor) extractPDF(ctx context.Context, content []byte) (string, error) {
	if !bytes.HasPrefix(content, pdfHeader) {
		return "", fmt.Errorf("%w: content is not a PDF", models.ErrUnsupportedType)
	}

	path, cleanup, err := writeTempPDF(content)
	if err != nil {
		return "", fmt.Errorf("staging PDF: %w", err)
	}
	defer cleanup()

	pages, err := e.pageCount(ctx, path)
	if err != nil {
		e.logger.Warn("PDF page count failed", "error", err)
		return fmt.Sprintf("[Extraction failed: %v]", err), nil
	}

	structural, structErr := e.structuralPass(ctx, path, pages)
	if structErr == nil && e.Meaningful(pageText(structural)) {
		return structural, nil
	}
	if structErr != nil {
		e.logger.Warn("structural PDF extraction failed", "error", structErr)
	}

	ocr, ocrErr := e.ocrPass(ctx, path, pages)
	if ocrErr == nil && e.Meaningful(pageText(ocr)) {
		return ocr, nil
	}
	if ocrErr != nil {
		e.logger.Warn("OCR extraction failed", "pages", pages, "error", ocrErr)
	}

	// Neither pass produced meaningful text. Prefer whichever recovered
	// more real content over aborting the ingestion.
	if best := betterOf(structural, ocr); best != "" {
		return best, nil
	}

	reason := "no extractable text"
	switch {
	case ocrErr != nil:
		reason = ocrErr.Error()
	case structErr != nil:
		reason = structErr.Error()
	}
	return fmt.Sprintf("[Extraction failed: %s]", reason), nil
}

func writeTempPDF(content []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "docdex-*.pdf")
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, err
	}
	return path, func() { os.Remove(path) }, nil
}

var pagesLine = regexp.MustCompile(`(?m)^Pages:\s+(\d+)`)

func (e *Extractor) pageCount(ctx context.Context, path string) (int, error) {
	out, err := e.runner.Run(ctx, "pdfinfo", path)
	if err != nil {
		return 0, err
	}
	m := pagesLine.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("pdfinfo output has no page count")
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid page count %q", m[1])
	}
	return n, nil
}

// structuralPass extracts each page's text layer with pdftotext. Pages
// without text become explicit placeholders so the page count survives
// in the output.
func (e *Extractor) structuralPass(ctx context.Context, path string, pages int) (string, error) {
	texts := make([]string, 0, pages)
	for page := 1; page <= pages; page++ {
		n := strconv.Itoa(page)
		out, err := e.runner.Run(ctx, "pdftotext", "-f", n, "-l", n, "-layout", "-q", path, "-")
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		text := strings.TrimSpace(string(out))
		if text == "" {
			text = emptyPagePlaceholder(page)
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, pageDelimiter), nil
}

// ocrPass rasterizes each page and runs it through tesseract. This is
// the dominant latency cost for scanned documents; callers impose
// request-level timeouts through ctx.
func (e *Extractor) ocrPass(ctx context.Context, path string, pages int) (string, error) {
	imgDir, err := os.MkdirTemp("", "docdex-ocr-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(imgDir)

	dpi := strconv.Itoa(e.config.OCRDPI)
	texts := make([]string, 0, pages)
	for page := 1; page <= pages; page++ {
		n := strconv.Itoa(page)
		prefix := filepath.Join(imgDir, "page")
		_, err := e.runner.Run(ctx, "pdftoppm", "-f", n, "-l", n, "-r", dpi, "-png", "-singlefile", path, prefix)
		if err != nil {
			return "", fmt.Errorf("rasterizing page %d: %w", page, err)
		}

		out, err := e.runner.Run(ctx, "tesseract", prefix+".png", "stdout")
		if err != nil {
			return "", fmt.Errorf("OCR on page %d: %w", page, err)
		}
		text := strings.TrimSpace(string(out))
		if text == "" {
			text = emptyPagePlaceholder(page)
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, pageDelimiter), nil
}

func emptyPagePlaceholder(page int) string {
	return fmt.Sprintf("[Empty page %d]", page)
}

var emptyPagePattern = regexp.MustCompile(`\[Empty page \d+\]`)

// pageText strips empty-page placeholders, leaving only recovered text.
func pageText(s string) string {
	return strings.TrimSpace(emptyPagePattern.ReplaceAllString(s, ""))
}

// betterOf picks the result that recovered more real content. Results
// consisting only of placeholders count as empty.
func betterOf(a, b string) string {
	if len(pageText(a)) >= len(pageText(b)) {
		if pageText(a) == "" {
			return ""
		}
		return a
	}
	return b
}
