package engine

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/luaroute/internal/config"
	"github.com/zot/luaroute/internal/resource"
)

// Watcher nudges an engine when a directory-backed script changes on disk, so the next
// request checks for changes without waiting out HotReloadInterval.
type Watcher struct {
	config  *config.Config
	engine  *Engine
	watcher *fsnotify.Watcher

	// Symlink tracking
	symlinkTargets map[string]string // script path -> resolved target dir
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	// Debouncing
	pending       map[string]time.Time
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for e's directory-backed resource sets.
func NewWatcher(e *Engine) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		config:         e.config,
		engine:         e,
		watcher:        watcher,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pending:        make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching the directories holding declared scripts.
func (w *Watcher) Start() error {
	for _, file := range w.files() {
		if err := w.addWatch(filepath.Dir(file)); err != nil {
			return err
		}
		w.updateSymlinkWatch(file)
	}

	go w.eventLoop()
	go w.debounceLoop()

	w.config.Log(1, "watching %d directories for script changes", w.dirCount())
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// files lists the on-disk paths of scripts declared through directory managers and of
// the modules they required.
func (w *Watcher) files() []string {
	var files []string
	for _, set := range w.engine.sets {
		dm, ok := set.Manager().(*resource.DirManager)
		if !ok {
			continue
		}
		for _, name := range set.Names() {
			files = append(files, filepath.Join(dm.Dir(), filepath.FromSlash(resource.Normalize(name))))
		}
	}
	// Modules the live generation required.
	if dm, ok := w.engine.resources.(*resource.DirManager); ok {
		if g := w.engine.current.Load(); g != nil {
			for path := range g.modules.list() {
				files = append(files, filepath.Join(dm.Dir(), filepath.FromSlash(path)))
			}
		}
	}
	return files
}

func (w *Watcher) dirCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watchedDirs)
}

// tracked reports whether path is a declared script or the target of one.
func (w *Watcher) tracked(path string) bool {
	w.mu.Lock()
	for file, dir := range w.symlinkTargets {
		if dir == filepath.Dir(path) {
			if target, err := filepath.EvalSymlinks(file); err == nil && target == path {
				w.mu.Unlock()
				return true
			}
		}
	}
	w.mu.Unlock()

	for _, file := range w.files() {
		if file == path {
			return true
		}
	}
	return false
}

// updateSymlinkWatch watches the target directory when a script is a symlink.
func (w *Watcher) updateSymlinkWatch(file string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Lstat(file)
	if err != nil {
		return
	}
	if oldTarget, ok := w.symlinkTargets[file]; ok {
		w.removeWatchLocked(oldTarget)
		delete(w.symlinkTargets, file)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(file)
	if err != nil {
		w.config.Log(2, "cannot resolve symlink %s: %v", file, err)
		return
	}
	targetDir := filepath.Dir(target)
	w.symlinkTargets[file] = targetDir
	w.addWatchLocked(targetDir)
	w.config.Log(2, "watching symlink target dir %s for %s", targetDir, file)
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchLocked(dir)
}

func (w *Watcher) addWatchLocked(dir string) error {
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			return err
		}
		w.config.Log(2, "added watch for %s", dir)
	}
	return nil
}

func (w *Watcher) removeWatchLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
	}
}

// eventLoop processes file system events.
func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(1, "watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.tracked(event.Name) {
		return
	}
	w.config.Log(3, "event %s on %s", event.Op, event.Name)

	if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.updateSymlinkWatch(event.Name)
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Chmod) != 0 {
		w.debounceMu.Lock()
		w.pending[event.Name] = time.Now()
		w.debounceMu.Unlock()
	}
}

// debounceLoop nudges the engine once events have been quiet for debounceDelay.
func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) processPending() {
	w.debounceMu.Lock()
	now := time.Now()
	ready := 0
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) >= w.debounceDelay {
			ready++
			delete(w.pending, path)
			w.config.Log(2, "%s changed on disk", path)
		}
	}
	w.debounceMu.Unlock()

	if ready > 0 {
		w.engine.Nudge()
	}
}
