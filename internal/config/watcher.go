package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts into one reload signal.
const debounceWindow = 150 * time.Millisecond

// Watcher emits an update signal when config.yaml changes on disk.
// The home directory is watched rather than the file itself so that
// atomic-rename editors and fresh creations are caught.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan string
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan string, 4),
	}
}

func (w *Watcher) Events() <-chan string {
	return w.events
}

// relevant reports whether a filesystem event touches the config file in
// a way that warrants a reload.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(ev.Name) == filepath.Base(ConfigPath(w.homeDir))
}

// Start begins watching and returns immediately; signals arrive on
// Events() until ctx is cancelled, after which the channel closes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", w.homeDir, err)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Each relevant event pushes the deadline out; the signal fires
		// only after the burst goes quiet.
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !w.relevant(ev) {
					continue
				}
				debounce = time.After(debounceWindow)
			case <-debounce:
				debounce = nil
				select {
				case w.events <- "config":
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher: error", "error", err)
			}
		}
	}()

	return nil
}
