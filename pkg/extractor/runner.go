package extractor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Runner executes an external command and returns its stdout. PDF
// extraction and OCR shell out to the poppler and tesseract binaries
// through this interface so tests can script their output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", name, err, exitErr.Stderr)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// ErrPDFToolNotFound signals that the poppler utilities are missing.
var ErrPDFToolNotFound = errors.New("pdftotext not found in PATH (install poppler)")

// ErrOCRToolNotFound signals that tesseract is missing; OCR fallback is
// unavailable without it but structural extraction still works.
var ErrOCRToolNotFound = errors.New("tesseract not found in PATH")

// CheckAvailable reports whether the external binaries PDF extraction
// depends on are installed.
func CheckAvailable() error {
	for _, bin := range []string{"pdftotext", "pdfinfo", "pdftoppm"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: missing %s", ErrPDFToolNotFound, bin)
		}
	}
	if _, err := exec.LookPath("tesseract"); err != nil {
		return ErrOCRToolNotFound
	}
	return nil
}

// InstallInstructions returns a human-readable hint for missing tools.
func InstallInstructions() string {
	return "PDF extraction requires pdftotext, pdfinfo and pdftoppm (brew install poppler, " +
		"or apt install poppler-utils) and OCR fallback requires tesseract " +
		"(brew install tesseract, or apt install tesseract-ocr)."
}
