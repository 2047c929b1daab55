package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"havoc/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last change before a trigger fires
const DefaultDebounce = 500 * time.Millisecond

// Watcher signals when a watched file changes. Changes arriving while a
// signal is still pending are coalesced into it.
type Watcher struct {
	path     string
	debounce time.Duration
	triggers chan<- struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a Watcher for path that sends on triggers
func New(path string, debounce time.Duration, triggers chan<- struct{}) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, debounce: debounce, triggers: triggers}
}

// Run watches the parent directory of the file so that editors which replace
// the file by rename are noticed. It returns when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsWatcher.Close()

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logging.Logger().Info("Watching template for changes", zap.String("path", w.path))

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			logging.Logger().Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	logging.Logger().Debug("Template changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	select {
	case w.triggers <- struct{}{}:
	default:
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
