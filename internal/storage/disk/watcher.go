package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

// watcher turns raw fsnotify events into coalesced external-change events:
// rapid successive writes to the same file collapse into one emission after a
// stability window.
type watcher struct {
	store *Store
	fsw   *fsnotify.Watcher

	events chan storage.ChangeEvent
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

func newWatcher(s *Store) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	w := &watcher{
		store:   s,
		fsw:     fsw,
		events:  make(chan storage.ChangeEvent, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}
	if err := w.addTree(s.dir); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("disk: watch %q: %w", path, err)
		}
		return nil
	})
}

func (w *watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.store.logger.Warn("disk.watch.error", "error", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New subdirectory: documents may land inside it.
			if err := w.fsw.Add(ev.Name); err != nil {
				w.store.logger.Warn("disk.watch.add_error", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !w.eligible(ev.Name) {
		return
	}
	w.schedule(ev.Name)
}

// eligible filters temp files and anything without a recognised document
// extension.
func (w *watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if tempPattern.MatchString(base) {
		return false
	}
	for _, ext := range w.store.extensions {
		if ext != "" && strings.HasSuffix(base, ext) {
			return true
		}
	}
	return false
}

// schedule (re)arms the per-path stability timer; the path is emitted once no
// further event arrives within the window.
func (w *watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.store.watchDebounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.store.watchDebounce, func() {
		w.emit(path)
	})
}

func (w *watcher) emit(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	ev := storage.ChangeEvent{Path: path}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Deleted between event and stability window; nothing to report.
		return
	case err != nil:
		ev.Err = fmt.Errorf("disk: stat changed file %q: %w", path, err)
	case w.store.maxFileSize > 0 && info.Size() > w.store.maxFileSize:
		ev.Err = fmt.Errorf("disk: changed file %q (%d bytes): %w", path, info.Size(), storage.ErrOversize)
	default:
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			ev.Err = fmt.Errorf("disk: read changed file %q: %w", path, readErr)
		} else {
			ev.Text = string(raw)
		}
	}

	select {
	case w.events <- ev:
	default:
		w.store.logger.Warn("disk.watch.dropped", "path", path)
	}
}

func (w *watcher) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.stop)
	err := w.fsw.Close()
	<-w.done
	close(w.events)
	return err
}
