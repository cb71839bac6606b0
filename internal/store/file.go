package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/zhejian/url-shortener/registry/internal/model"
)

// lockRetryDelay is how often a blocked writer retries the file lock.
const lockRetryDelay = 10 * time.Millisecond

// FileCollection stores the collection as a JSON file.
// Reads are served from an in-memory copy that is reloaded when the file
// changes. Writes hold an exclusive lock on a sidecar ".lock" file and
// re-read the file first, so processes sharing the path never lose updates.
type FileCollection struct {
	path   string
	logger *slog.Logger
	lock   *flock.Flock

	mu       sync.Mutex
	snapshot []byte

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileCollection opens (or prepares) the collection file at path and
// starts watching it for external changes.
func NewFileCollection(path string, logger *slog.Logger) (*FileCollection, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	f := &FileCollection{
		path:   absPath,
		logger: logger,
		lock:   flock.New(absPath + ".lock"),
		done:   make(chan struct{}),
	}

	if err := f.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	f.watcher = watcher

	go f.watch()

	return f, nil
}

// Path returns the absolute path of the backing file
func (f *FileCollection) Path() string {
	return f.path
}

// LoadAll decodes the cached file contents
func (f *FileCollection) LoadAll(ctx context.Context) ([]*model.LinkRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return decode(f.snapshot)
}

// SaveAll replaces the file contents
func (f *FileCollection) SaveAll(ctx context.Context, links []*model.LinkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lockFile(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return f.saveLocked(links)
}

// Update applies fn to the current file contents while holding both the
// in-process and the file lock.
func (f *FileCollection) Update(ctx context.Context, fn UpdateFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lockFile(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := f.readFile()
	if err != nil {
		return err
	}
	links, err := decode(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	f.snapshot = data

	next, err := fn(links)
	if err != nil {
		return err
	}
	return f.saveLocked(next)
}

func (f *FileCollection) lockFile(ctx context.Context) (func(), error) {
	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: %w", f.lock.Path(), ctx.Err())
	}
	return func() {
		if err := f.lock.Unlock(); err != nil {
			f.logger.Warn("failed to release link collection lock",
				slog.String("path", f.lock.Path()),
				slog.String("error", err.Error()))
		}
	}, nil
}

func (f *FileCollection) readFile() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Close stops the file watcher
func (f *FileCollection) Close() error {
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}
	return f.watcher.Close()
}

// saveLocked writes to a temp file and renames it over the target so
// readers never observe a partial collection.
func (f *FileCollection) saveLocked(links []*model.LinkRecord) error {
	data, err := encode(links)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".links-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return err
	}

	f.snapshot = data
	return nil
}

// reload holds the lock across the read so it cannot replace a newer
// snapshot written by saveLocked with older file contents.
func (f *FileCollection) reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.readFile()
	if err != nil {
		return err
	}

	// Refuse to cache contents that do not parse
	if _, err := decode(data); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}

	f.snapshot = data
	return nil
}

func (f *FileCollection) watch() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Name != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				if err := f.reload(); err != nil {
					f.logger.Warn("failed to reload link collection",
						slog.String("path", f.path),
						slog.String("error", err.Error()))
				}
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("link collection watcher error", slog.String("error", err.Error()))
		}
	}
}

var _ Collection = (*FileCollection)(nil)
