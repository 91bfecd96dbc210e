// Package fs implements media.Store on a local directory, issuing file:// URIs.
package fs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/neomentor/engine/runtime/media"
)

// Store implements media.Store under a single root directory.
type Store struct {
	root string
}

// New creates the root directory when needed and returns the store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("fs: root directory is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("fs: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Put implements media.Store. Blobs are stored under a unique name so callers
// can never overwrite each other.
func (s *Store) Put(_ context.Context, name string, r io.Reader) (string, error) {
	base := sanitize(filepath.Base(name))
	path := filepath.Join(s.root, uuid.NewString()+"-"+base)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("fs: create blob: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("fs: write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("fs: close blob: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// Open implements media.Store.
func (s *Store) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("fs: unsupported uri %q", uri)
	}
	path := filepath.FromSlash(u.Path)
	// Refuse paths escaping the root.
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, media.ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, media.ErrNotFound
		}
		return nil, fmt.Errorf("fs: open blob: %w", err)
	}
	return f, nil
}

// sanitize keeps blob names portable across filesystems.
func sanitize(name string) string {
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "blob"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, name)
}
