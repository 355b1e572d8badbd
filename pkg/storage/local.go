package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docdex/docdex/internal/models"
)

// LocalStore serves file bytes from a directory tree, one subdirectory
// per bucket. It backs the CLI driver and tests; remote blob stores
// implement the same contract behind their own clients.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Download returns the object's bytes. Missing objects map onto
// models.ErrNotFound and filesystem permission failures onto
// models.ErrPermission so the orchestrator can tell them apart.
func (s *LocalStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full, err := s.objectPath(bucket, path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s/%s", models.ErrNotFound, bucket, path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s/%s", models.ErrPermission, bucket, path)
	case err != nil:
		return nil, fmt.Errorf("reading %s/%s: %w", bucket, path, err)
	}
	return data, nil
}

// Upload writes an object. The ingestion core never calls this; it
// exists for the CLI driver and tests to stage files.
func (s *LocalStore) Upload(ctx context.Context, bucket, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := s.objectPath(bucket, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating bucket directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("writing %s/%s: %w", bucket, path, err)
	}
	return nil
}

// objectPath resolves and confines an object path under the root.
func (s *LocalStore) objectPath(bucket, path string) (string, error) {
	full := filepath.Join(s.root, bucket, filepath.FromSlash(path))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes storage root", models.ErrPermission)
	}
	return full, nil
}
