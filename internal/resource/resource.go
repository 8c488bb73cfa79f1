// Package resource defines the minimal read/stat contract the route engine needs from a
// storage backend, plus directory, fs.FS, in-memory and SQL implementations.
package resource

import (
	"errors"
	"io"
	"path"
	"slices"
	"time"
)

// ErrNotFound is returned by Manager.Get when a named resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Resource is a named piece of content with a modification time.
type Resource interface {
	// Name is the name the resource was requested by.
	Name() string
	// Path is the canonical location, used as a diagnostic label.
	Path() string
	// LastModified reports the modification time as of this call.
	LastModified() time.Time
	// Open returns the current content.
	Open() (io.ReadCloser, error)
}

// Manager resolves resource names.
type Manager interface {
	Get(name string) (Resource, error)
}

// ReadAll reads the whole content of a resource.
func ReadAll(r Resource) ([]byte, error) {
	rc, err := r.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Normalize returns name as a cleaned, leading-slash request path, so "./a.lua",
// "a.lua" and "lib/../a.lua" all become "/a.lua".
func Normalize(name string) string {
	return path.Clean("/" + name)
}

// Set is an ordered list of resource names served by one Manager.
type Set struct {
	manager Manager
	names   []string
}

// NewSet creates an empty set backed by m.
func NewSet(m Manager) *Set {
	return &Set{manager: m}
}

// Manager returns the backing manager.
func (s *Set) Manager() Manager {
	return s.manager
}

// Add appends resource names to the set.
func (s *Set) Add(names ...string) *Set {
	s.names = append(s.names, names...)
	return s
}

// Names returns a copy of the resource names in declaration order.
func (s *Set) Names() []string {
	return slices.Clone(s.names)
}
