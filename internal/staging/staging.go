// Package staging stores submitted image payloads on disk between submission
// and worker processing. The store record only ever carries the path; bytes
// never enter the store.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir is a staging directory for image payloads.
type Dir struct {
	root string
}

// New creates the staging directory if needed. An empty root defaults to a
// subdirectory of the system temp dir.
func New(root string) (*Dir, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "image-indexer-staging")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("op=staging.New: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the staging directory path.
func (d *Dir) Root() string { return d.root }

// Put writes the payload under a name derived from the job id and the
// original filename's extension, returning the absolute path.
func (d *Dir) Put(jobID string, filename string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(d.root, jobID+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("op=staging.Put job=%s: %w", jobID, err)
	}
	return path, nil
}

// Read loads a staged payload.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=staging.Read path=%s: %w", path, err)
	}
	return data, nil
}

// Discard removes a staged payload. Missing files and other unlink failures
// are ignored: the payload is disposable once the job is terminal.
func Discard(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
