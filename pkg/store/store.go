// Package store persists extracted and normalised patch images either to a
// local directory tree or to an S3-compatible bucket.
package store

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 75

// PatchStore writes images under slash-separated keys such as
// "sample1/slice_0/patch_3_7.jpeg". Writing an existing key replaces it.
type PatchStore interface {
	Put(ctx context.Context, key string, img image.Image) error

	// Location describes where key ends up, for log messages.
	Location(key string) string
}

// Preparer is implemented by stores that need a container created before
// keys below prefix are written.
type Preparer interface {
	Prepare(ctx context.Context, prefix string) error
}

// FileStore writes images below a root directory.
type FileStore struct {
	Root    string
	Quality int
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string, quality int) *FileStore {
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &FileStore{Root: dir, Quality: quality}
}

// Put encodes img in the format implied by the key's extension.
func (s *FileStore) Put(_ context.Context, key string, img image.Image) error {
	path := s.Location(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(s.Quality)); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// Prepare creates the directory for prefix.
func (s *FileStore) Prepare(_ context.Context, prefix string) error {
	return os.MkdirAll(s.Location(prefix), 0755)
}

// Location returns the file path for key.
func (s *FileStore) Location(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(cleanKey(key)))
}

func cleanKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

// Backend names accepted by New.
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
)

// Options selects and configures a store backend.
type Options struct {
	Backend string
	Root    string
	Quality int
	S3      S3Config
}

// New builds the store named by opts.Backend. An empty backend means the
// filesystem.
func New(opts Options) (PatchStore, error) {
	switch opts.Backend {
	case "", BackendFilesystem:
		if opts.Root == "" {
			return nil, fmt.Errorf("filesystem store needs a root directory")
		}
		return NewFileStore(opts.Root, opts.Quality), nil
	case BackendS3:
		return NewS3Store(opts.S3, opts.Quality)
	}
	return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
}
