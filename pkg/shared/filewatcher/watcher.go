// Package filewatcher reports content changes of a single configuration file.
package filewatcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent describes one debounced change of the watched file.
type ChangeEvent struct {
	Path      string
	Timestamp time.Time
	Error     error
}

// ChangeListener receives change notifications.
type ChangeListener interface {
	OnFileChange(event ChangeEvent)
}

// ListenerFunc adapts a function to ChangeListener.
type ListenerFunc func(ChangeEvent)

// OnFileChange calls f(event).
func (f ListenerFunc) OnFileChange(event ChangeEvent) { f(event) }

// Watcher watches the directory containing a file so that atomic
// rename-on-save by editors is seen. Events are debounced and only
// delivered when the file content actually changed.
type Watcher struct {
	watcher  *fsnotify.Watcher
	filePath string
	debounce time.Duration

	mu        sync.RWMutex
	listeners []ChangeListener
	lastSum   [sha256.Size]byte
}

// NewWatcher creates a watcher for filePath.
func NewWatcher(filePath string, debounce time.Duration) (*Watcher, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	w := &Watcher{watcher: fsw, filePath: absPath, debounce: debounce}
	if data, err := os.ReadFile(absPath); err == nil {
		w.lastSum = sha256.Sum256(data)
	}
	return w, nil
}

// AddListener registers a listener.
func (w *Watcher) AddListener(listener ChangeListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, listener)
}

// Start blocks until ctx is done or the underlying watcher fails.
func (w *Watcher) Start(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if abs, err := filepath.Abs(event.Name); err != nil || abs != w.filePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.checkContent)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.notify(ChangeEvent{Path: w.filePath, Timestamp: time.Now(), Error: err})
		}
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) checkContent() {
	data, err := os.ReadFile(w.filePath)
	if err != nil {
		// file is mid-replace; the following Create event triggers another check
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	changed := sum != w.lastSum
	w.lastSum = sum
	w.mu.Unlock()

	if changed {
		w.notify(ChangeEvent{Path: w.filePath, Timestamp: time.Now()})
	}
}

func (w *Watcher) notify(event ChangeEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, l := range w.listeners {
		go l.OnFileChange(event)
	}
}
