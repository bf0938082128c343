// Package disk implements the filesystem storage backend: one text file per
// document under the base directory, crash-recovery snapshot slots in a
// process-private temp area, atomic rename writes, and an fsnotify-based
// external-change stream.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"github.com/MaximeRivest/mrmd-sync/internal/docname"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

const (
	// SnapshotExt suffixes snapshot-slot files in the temp area.
	SnapshotExt = ".snapshot"
	// staleTempAge is the age, measured from the timestamp embedded in the
	// temp file name, beyond which a temp file is collected whatever the
	// state of its PID.
	staleTempAge = time.Hour
)

var tempPattern = regexp.MustCompile(`\.tmp\.(\d+)\.(\d+)$`)

// Config captures the tunables for the disk backend.
type Config struct {
	// Dir is the base directory documents live under.
	Dir string
	// Extensions lists recognised document suffixes; the first is appended
	// to names that carry none.
	Extensions []string
	// MaxFileSize bounds loads; larger files fail with ErrOversize.
	MaxFileSize int64
	// PersistState enables the snapshot slot for opaque replica state.
	PersistState bool
	// Watch starts the external-change stream over the base directory.
	Watch bool
	// WatchDebounce is the stability window before a changed file is emitted.
	WatchDebounce time.Duration
	// Logger receives backend events; nil disables logging.
	Logger pslog.Logger
	// Now overrides the time source (tests).
	Now func() time.Time
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	dir           string
	extensions    []string
	maxFileSize   int64
	persistState  bool
	watchDebounce time.Duration
	logger        pslog.Logger
	now           func() time.Time
	tempArea      string

	watch *watcher
}

// TempArea returns the process-private directory holding snapshot slots and
// the instance lock for the given base directory.
func TempArea(dir string) string {
	resolved, err := filepath.Abs(dir)
	if err != nil {
		resolved = filepath.Clean(dir)
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	sum := sha256.Sum256([]byte(resolved))
	return filepath.Join(os.TempDir(), "mrmd-sync-"+hex.EncodeToString(sum[:])[:12])
}

// New initialises the backend rooted at cfg.Dir, collects stale temp files
// left by crashed predecessors, and (when enabled) starts the watcher.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk: base directory required")
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".md"}
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	dir := filepath.Clean(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare base directory %q: %w", dir, err)
	}
	tempArea := TempArea(dir)
	if err := os.MkdirAll(tempArea, 0o700); err != nil {
		return nil, fmt.Errorf("disk: prepare temp area %q: %w", tempArea, err)
	}
	s := &Store{
		dir:           dir,
		extensions:    append([]string(nil), cfg.Extensions...),
		maxFileSize:   cfg.MaxFileSize,
		persistState:  cfg.PersistState,
		watchDebounce: cfg.WatchDebounce,
		logger:        cfg.Logger.With("svc", "storage").With("backend", "disk"),
		now:           cfg.Now,
		tempArea:      tempArea,
	}
	s.collectStaleTemps()
	if cfg.Watch {
		w, err := newWatcher(s)
		if err != nil {
			return nil, err
		}
		s.watch = w
	}
	return s, nil
}

// Resolve maps a document name to its file path.
func (s *Store) Resolve(name string) string {
	return docname.Resolve(s.dir, name, s.extensions)
}

// SnapshotPath returns the snapshot-slot path for a document name.
func (s *Store) SnapshotPath(name string) string {
	return filepath.Join(s.tempArea, docname.Flatten(name)+SnapshotExt)
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the document text and, when present, the snapshot-slot replica
// state. Snapshot read failures degrade to text-only loads.
func (s *Store) Load(ctx context.Context, name string) (storage.Document, error) {
	path := s.Resolve(name)
	var doc storage.Document
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return doc, fmt.Errorf("disk: stat %q: %w", path, err)
	case s.maxFileSize > 0 && info.Size() > s.maxFileSize:
		return doc, fmt.Errorf("disk: load %q (%d bytes): %w", path, info.Size(), storage.ErrOversize)
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return doc, fmt.Errorf("disk: read %q: %w", path, err)
		}
		doc.Text = string(raw)
		doc.HasText = true
	}
	if s.persistState {
		if state, err := s.loadSnapshot(name); err != nil {
			s.logger.Warn("disk.load.snapshot_error", "doc", name, "error", err)
		} else {
			doc.ReplicaState = state
		}
	}
	s.logger.Debug("disk.load.success", "doc", name, "has_text", doc.HasText, "state_bytes", len(doc.ReplicaState))
	return doc, nil
}

func (s *Store) loadSnapshot(name string) ([]byte, error) {
	raw, err := os.ReadFile(s.SnapshotPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read snapshot: %w", err)
	}
	state, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("disk: decode snapshot: %w", err)
	}
	return state, nil
}

// Save atomically persists text and, when state persistence is on, writes the
// replica state to the snapshot slot with the same rename discipline.
func (s *Store) Save(ctx context.Context, name, text string, replicaState []byte) error {
	path := s.Resolve(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("disk: prepare directory for %q: %w", path, err)
	}
	if err := s.writeAtomic(path, []byte(text)); err != nil {
		return fmt.Errorf("disk: save %q: %w", path, err)
	}
	if s.persistState && replicaState != nil {
		if err := s.SaveState(ctx, name, replicaState); err != nil {
			return err
		}
	}
	s.logger.Debug("disk.save.success", "doc", name, "bytes", len(text))
	return nil
}

// Flush is Save with shutdown intent.
func (s *Store) Flush(ctx context.Context, name, text string, replicaState []byte) error {
	return s.Save(ctx, name, text, replicaState)
}

// SaveState writes the replica state base64-encoded to the snapshot slot.
func (s *Store) SaveState(ctx context.Context, name string, replicaState []byte) error {
	if !s.persistState {
		return storage.ErrNotSupported
	}
	encoded := base64.StdEncoding.EncodeToString(replicaState)
	if err := s.writeAtomic(s.SnapshotPath(name), []byte(encoded)); err != nil {
		return fmt.Errorf("disk: save snapshot for %q: %w", name, err)
	}
	return nil
}

// ExternalChanges returns the change stream, nil when watching is disabled.
func (s *Store) ExternalChanges() <-chan storage.ChangeEvent {
	if s.watch == nil {
		return nil
	}
	return s.watch.events
}

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watch != nil {
		return s.watch.close()
	}
	return nil
}

// writeAtomic writes payload to a sibling temp path carrying the writer's PID
// and a millisecond timestamp, then renames it over the target.
func (s *Store) writeAtomic(target string, payload []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d.%d", target, os.Getpid(), s.now().UnixMilli())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// collectStaleTemps removes temp files whose embedded PID no longer names a
// live process, or whose embedded timestamp is older than staleTempAge.
func (s *Store) collectStaleTemps() {
	for _, root := range []string{s.dir, s.tempArea} {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || d.IsDir() {
				return nil
			}
			m := tempPattern.FindStringSubmatch(d.Name())
			if m == nil {
				return nil
			}
			if s.tempIsStale(m[1], m[2]) {
				if err := os.Remove(path); err != nil {
					s.logger.Warn("disk.temp_gc.remove_error", "path", path, "error", err)
				} else {
					s.logger.Info("disk.temp_gc.removed", "path", path)
				}
			}
			return nil
		})
	}
}

func (s *Store) tempIsStale(pidField, msField string) bool {
	if ms, err := strconv.ParseInt(msField, 10, 64); err == nil {
		if s.now().Sub(time.UnixMilli(ms)) >= staleTempAge {
			return true
		}
	}
	pid, err := strconv.ParseInt(pidField, 10, 32)
	if err != nil {
		return true
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return !alive
}
