package resource

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"time"
)

// MemoryManager holds resources in memory. Safe for concurrent use.
type MemoryManager struct {
	mu    sync.RWMutex
	files map[string]*memoryFile
}

type memoryFile struct {
	content  []byte
	modified time.Time
}

// NewMemoryManager creates a manager preloaded with files, all stamped with the current time.
func NewMemoryManager(files map[string]string) *MemoryManager {
	m := &MemoryManager{files: make(map[string]*memoryFile, len(files))}
	now := time.Now()
	for name, content := range files {
		m.files[memoryKey(name)] = &memoryFile{content: []byte(content), modified: now}
	}
	return m
}

func memoryKey(name string) string {
	return strings.TrimPrefix(Normalize(name), "/")
}

// Put stores content under name with the given modification time.
func (m *MemoryManager) Put(name, content string, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[memoryKey(name)] = &memoryFile{content: []byte(content), modified: modified}
}

// Touch changes only the modification time of an existing resource.
func (m *MemoryManager) Touch(name string, modified time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[memoryKey(name)]
	if !ok {
		return false
	}
	m.files[memoryKey(name)] = &memoryFile{content: f.content, modified: modified}
	return true
}

// Remove deletes a resource.
func (m *MemoryManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, memoryKey(name))
}

// Get returns the named resource, or ErrNotFound.
func (m *MemoryManager) Get(name string) (Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[memoryKey(name)]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &memoryResource{m: m, name: name}, nil
}

func (m *MemoryManager) lookup(name string) (*memoryFile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[memoryKey(name)]
	return f, ok
}

type memoryResource struct {
	m    *MemoryManager
	name string
}

func (r *memoryResource) Name() string { return r.name }

func (r *memoryResource) Path() string { return "memory:" + Normalize(r.name) }

func (r *memoryResource) LastModified() time.Time {
	f, ok := r.m.lookup(r.name)
	if !ok {
		return time.Time{}
	}
	return f.modified
}

func (r *memoryResource) Open() (io.ReadCloser, error) {
	f, ok := r.m.lookup(r.name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.name)
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

// FSManager serves resources from an fs.FS such as an embed.FS.
type FSManager struct {
	fsys  fs.FS
	label string
}

// NewFSManager wraps fsys; label prefixes resource paths in diagnostics.
func NewFSManager(fsys fs.FS, label string) *FSManager {
	return &FSManager{fsys: fsys, label: label}
}

// Get returns the named file, or ErrNotFound.
func (m *FSManager) Get(name string) (Resource, error) {
	rel := strings.TrimPrefix(Normalize(name), "/")
	info, err := fs.Stat(m.fsys, rel)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &fsResource{m: m, name: name, rel: rel}, nil
}

type fsResource struct {
	m    *FSManager
	name string
	rel  string
}

func (r *fsResource) Name() string { return r.name }

func (r *fsResource) Path() string { return r.m.label + ":/" + r.rel }

func (r *fsResource) LastModified() time.Time {
	info, err := fs.Stat(r.m.fsys, r.rel)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (r *fsResource) Open() (io.ReadCloser, error) {
	return r.m.fsys.Open(r.rel)
}
