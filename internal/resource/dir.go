package resource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// DirManager serves resources from a directory on disk.
// Names are slash separated and cleaned so they stay under the directory. Symlinks
// inside it are followed, wherever they point.
type DirManager struct {
	dir string
}

// NewDirManager opens dir as a resource root.
func NewDirManager(dir string) (*DirManager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open resource dir %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource dir %s is not a directory", abs)
	}
	return &DirManager{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (m *DirManager) Dir() string {
	return m.dir
}

// Close is a no-op; files are opened per call.
func (m *DirManager) Close() error {
	return nil
}

// Get returns the named file, or ErrNotFound.
func (m *DirManager) Get(name string) (Resource, error) {
	rel := cleanName(name)
	if rel == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	info, err := os.Stat(filepath.Join(m.dir, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, name)
	}
	return &dirResource{m: m, name: name, rel: rel}, nil
}

// cleanName converts a resource name into a root-relative path, or "" when it is unusable.
func cleanName(name string) string {
	rel := strings.TrimPrefix(path.Clean("/"+name), "/")
	if rel == "" || rel == "." {
		return ""
	}
	return filepath.FromSlash(rel)
}

type dirResource struct {
	m    *DirManager
	name string
	rel  string
}

func (r *dirResource) Name() string { return r.name }

func (r *dirResource) Path() string { return filepath.Join(r.m.dir, r.rel) }

// LastModified stats the file on every call; a deleted file reports the zero time.
func (r *dirResource) LastModified() time.Time {
	info, err := os.Stat(r.Path())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (r *dirResource) Open() (io.ReadCloser, error) {
	return os.Open(r.Path())
}
