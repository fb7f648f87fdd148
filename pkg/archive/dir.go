package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Dir archives transcripts to a local directory, mirroring the S3 key
// layout. Intended for development and tests.
type Dir struct {
	root string
}

// NewDir creates a directory-backed archiver rooted at dir. The
// directory is created if it does not already exist.
func NewDir(dir string) (*Dir, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Dir{root: abs}, nil
}

// Save writes the transcript as an indented JSON file.
func (a *Dir) Save(_ context.Context, t *Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal transcript: %w", err)
	}
	full := filepath.Join(a.root, filepath.FromSlash(key(t)))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", full, err)
	}
	return nil
}

var _ Archiver = (*Dir)(nil)
