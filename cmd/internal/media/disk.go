// Package media manages uploaded attachments referenced by chat messages.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// URLPrefix is the public path under which uploads are served.
const URLPrefix = "/uploads/"

// ErrInvalidReference reports a reference that does not name a file inside the root.
var ErrInvalidReference = errors.New("media: invalid reference")

// DiskStore keeps attachments as plain files under a root directory.
type DiskStore struct {
	root string
}

// NewDiskStore returns a store rooted at dir. The directory is created if missing.
func NewDiskStore(dir string) (*DiskStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("media: empty uploads dir")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("media: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("media: create root: %w", err)
	}
	return &DiskStore{root: abs}, nil
}

// Root returns the absolute uploads directory.
func (s *DiskStore) Root() string { return s.root }

// DeleteByReference removes the file behind ref ("/uploads/<name>" or "<name>").
// A file that is already gone is not an error.
func (s *DiskStore) DeleteByReference(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("media: remove %s: %w", filepath.Base(p), err)
	}
	return nil
}

// Canonical returns the single stored form of ref, "/uploads/<rel>", so
// references that name the same file compare equal.
func (s *DiskStore) Canonical(ref string) (string, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", ErrInvalidReference
	}
	return URLPrefix + filepath.ToSlash(rel), nil
}

func (s *DiskStore) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	// Absolute URLs carry the path after the host.
	if i := strings.Index(ref, URLPrefix); i > 0 && strings.Contains(ref[:i], "://") {
		ref = ref[i:]
	}
	ref = strings.TrimPrefix(ref, URLPrefix)
	if ref == "" || strings.ContainsRune(ref, 0) {
		return "", ErrInvalidReference
	}

	p := filepath.Join(s.root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidReference
	}
	return p, nil
}
