package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore deletes attachment payloads under a root directory.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: filepath.Clean(dir)}
}

// Delete removes the attachment file at path, relative to the root.
// A file that is already gone is not an error.
func (f *FileStore) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(f.resolve(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete attachment %s: %w", path, err)
	}
	return nil
}

// resolve keeps path inside the root: "../x" and "/x" both map to root/x.
func (f *FileStore) resolve(path string) string {
	return filepath.Join(f.root, filepath.Clean("/"+path))
}
