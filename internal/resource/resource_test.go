package resource

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"app.lua":       "/app.lua",
		"/app.lua":      "/app.lua",
		"lib/util.lua":  "/lib/util.lua",
		"./app.lua":     "/app.lua",
		"lib//util.lua": "/lib/util.lua",
		"lib/../a.lua":  "/a.lua",
		"../a.lua":      "/a.lua",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetNamesIsCopy(t *testing.T) {
	s := NewSet(NewMemoryManager(nil)).Add("a.lua", "b.lua")
	names := s.Names()
	names[0] = "changed"
	if s.Names()[0] != "a.lua" {
		t.Error("Names() must not expose the internal slice")
	}
}

func TestMemoryManager(t *testing.T) {
	m := NewMemoryManager(map[string]string{"/app.lua": "print('hi')"})

	res, err := m.Get("app.lua")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, err := ReadAll(res)
	if err != nil || string(data) != "print('hi')" {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}

	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !m.Touch("app.lua", stamp) {
		t.Fatal("Touch reported missing resource")
	}
	if !res.LastModified().Equal(stamp) {
		t.Errorf("LastModified = %v, want live value %v", res.LastModified(), stamp)
	}

	m.Remove("app.lua")
	if !res.LastModified().IsZero() {
		t.Error("removed resource should report zero modification time")
	}
	if _, err := m.Get("app.lua"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove err = %v, want ErrNotFound", err)
	}
}

func TestDirManager(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "util.lua"), []byte("return 1"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewDirManager(dir)
	if err != nil {
		t.Fatalf("NewDirManager failed: %v", err)
	}
	defer m.Close()

	res, err := m.Get("/lib/util.lua")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.LastModified().IsZero() {
		t.Error("expected a modification time")
	}
	rc, err := res.Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "return 1" {
		t.Errorf("content = %q", data)
	}

	if _, err := m.Get("missing.lua"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
	if _, err := m.Get("lib"); !errors.Is(err, ErrNotFound) {
		t.Errorf("directory err = %v, want ErrNotFound", err)
	}
	// Traversal is clamped to the root.
	if _, err := m.Get("../../etc/passwd"); err == nil {
		t.Error("expected traversal outside the root to fail")
	}
}

func TestDirManagerFollowsSymlinks(t *testing.T) {
	site := t.TempDir()
	shared := t.TempDir()
	target := filepath.Join(shared, "shared.lua")
	if err := os.WriteFile(target, []byte("return 2"), 0644); err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(target, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(site, "routes.lua")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	m, err := NewDirManager(site)
	if err != nil {
		t.Fatalf("NewDirManager failed: %v", err)
	}
	res, err := m.Get("routes.lua")
	if err != nil {
		t.Fatalf("Get through symlink failed: %v", err)
	}
	if !res.LastModified().Equal(stamp) {
		t.Errorf("LastModified = %v, want the target's %v", res.LastModified(), stamp)
	}
	data, err := ReadAll(res)
	if err != nil || string(data) != "return 2" {
		t.Errorf("content = %q, %v", data, err)
	}
}

func TestFSManager(t *testing.T) {
	stamp := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	m := NewFSManager(fstest.MapFS{
		"core.lua": &fstest.MapFile{Data: []byte("x = 1"), ModTime: stamp},
	}, "embedded")

	res, err := m.Get("/core.lua")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.LastModified().Equal(stamp) {
		t.Errorf("LastModified = %v", res.LastModified())
	}
	if res.Path() != "embedded:/core.lua" {
		t.Errorf("Path = %q", res.Path())
	}
}

func TestSQLiteManager(t *testing.T) {
	m, err := NewSQLiteManager(filepath.Join(t.TempDir(), "res.db"))
	if err != nil {
		t.Fatalf("NewSQLiteManager failed: %v", err)
	}
	defer m.Close()

	stamp := time.Unix(1700000000, 123)
	if err := m.Put("/routes.lua", "router.get('/', function() return 'x' end)", stamp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := m.Get("routes.lua")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.LastModified().Equal(stamp) {
		t.Errorf("LastModified = %v, want %v", res.LastModified(), stamp)
	}
	data, err := ReadAll(res)
	if err != nil || len(data) == 0 {
		t.Fatalf("ReadAll = %q, %v", data, err)
	}

	names, err := m.List()
	if err != nil || len(names) != 1 || names[0] != "routes.lua" {
		t.Errorf("List = %v, %v", names, err)
	}

	if err := m.Remove("routes.lua"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("routes.lua"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove err = %v", err)
	}
}

func TestHandler(t *testing.T) {
	m := NewMemoryManager(map[string]string{
		"index.html": "<html>home</html>",
		"site.css":   "body{}",
	})
	h := Handler(m)

	tests := []struct {
		path   string
		status int
		ctype  string
	}{
		{"/", http.StatusOK, "text/html; charset=utf-8"},
		{"/site.css", http.StatusOK, "text/css; charset=utf-8"},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.path, w.Code, tt.status)
		}
		if tt.ctype != "" && w.Header().Get("Content-Type") != tt.ctype {
			t.Errorf("%s: Content-Type = %q, want %q", tt.path, w.Header().Get("Content-Type"), tt.ctype)
		}
	}
}
