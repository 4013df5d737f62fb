package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 200 * time.Millisecond

// ErrorCallback is called when watching or reloading fails.
type ErrorCallback func(err error)

// ChangeCallback receives every successfully reloaded snapshot.
type ChangeCallback func(p LocalProfile)

// Watcher reloads a profile file whenever it changes on disk.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange ChangeCallback
	debounce time.Duration

	mu      sync.RWMutex // protects onError
	onError ErrorCallback

	done chan struct{}
}

// NewWatcher watches the file at path. The parent directory is watched rather
// than the file so editors that replace the file are still followed.
func NewWatcher(path string, onChange ChangeCallback) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("profile: change callback cannot be nil")
	}

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot access profile directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profile directory is not a directory: %s", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		fsw:      fsw,
		onChange: onChange,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the reload delay. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// SetErrorCallback sets a callback function that will be called when errors occur.
func (w *Watcher) SetErrorCallback(cb ErrorCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = cb
}

func (w *Watcher) reportError(err error) {
	w.mu.RLock()
	cb := w.onError
	w.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Start begins watching for events (blocking).
// Returns when the context is cancelled or Close() is called.
func (w *Watcher) Start(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			p, err := LoadFile(w.path)
			if err != nil {
				w.reportError(err)
				continue
			}
			w.onChange(p)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// Close stops the watcher and signals Start() to return.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
