package models

import (
	"errors"
	"fmt"
)

// Pipeline error kinds. Callers classify failures with errors.Is; the
// serving layer maps them onto response codes.
var (
	// ErrFileTooLarge rejects a file before any processing happens.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrUnsupportedType rejects media types the extractor cannot handle.
	ErrUnsupportedType = errors.New("unsupported media type")

	// ErrEncoding marks content that is not valid UTF-8 for a text type.
	ErrEncoding = errors.New("content is not valid UTF-8")

	// ErrNotFound means the file was absent under every attempted path.
	ErrNotFound = errors.New("file not found in storage")

	// ErrPermission means storage denied access under every credential
	// level tried. Kept distinct from ErrNotFound so operators can tell
	// "doesn't exist" from "can't see it".
	ErrPermission = errors.New("storage access denied")

	// ErrExtraction means both structural extraction and OCR produced
	// nothing usable.
	ErrExtraction = errors.New("text extraction failed")

	// ErrEmbeddingDimension is a fatal configuration error: the computed
	// embedding length does not match the index dimension. Not retryable.
	ErrEmbeddingDimension = errors.New("embedding dimension mismatch")

	// ErrRateLimited means the backend signalled throttling; retryable.
	ErrRateLimited = errors.New("backend rate limited")
)

// StageError wraps a failure with the pipeline stage and file it
// happened on.
type StageError struct {
	Stage  string
	FileID string
	Err    error
}

func (e *StageError) Error() string {
	if e.FileID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (file %s): %v", e.Stage, e.FileID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageErr wraps err with stage and file context, passing nil through.
func StageErr(stage, fileID string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, FileID: fileID, Err: err}
}
