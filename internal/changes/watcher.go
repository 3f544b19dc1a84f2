package changes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/designvault/internal/record"
)

// Watcher observes the data root recursively and schedules README changes on
// a Hub. It catches edits made outside this process; writes made through the
// record store reach the hub directly and share the same debounce.
type Watcher struct {
	root    string
	hub     *Hub
	fsw     *fsnotify.Watcher
	logger  zerolog.Logger
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for root. Call Start to begin watching.
func NewWatcher(root string, hub *Hub, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:   filepath.Clean(root),
		hub:    hub,
		fsw:    fsw,
		logger: logger.With().Str("component", "watcher").Logger(),
	}, nil
}

// Start adds watches for the existing tree, seeds the hub and processes
// events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	if err := w.hub.Seed(); err != nil {
		w.logger.Warn().Err(err).Msg("seeding known READMEs incomplete")
	}
	w.running.Store(true)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info().Str("root", w.root).Msg("watcher started")
	return nil
}

// Running reports whether the event loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer w.running.Store(false)
	for {
		select {
		case <-ctx.Done():
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
			w.logger.Error().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if _, ok := w.hub.rel(ev.Name); !ok {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// A directory moved or copied in may already hold READMEs.
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
			}
			w.scheduleReadmes(ev.Name)
			return
		}
	}

	if record.IsReadme(ev.Name) {
		if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			w.hub.Schedule(ev.Name)
		}
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.hub.ScheduleTree(ev.Name)
	}
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) scheduleReadmes(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && p != dir && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if !d.IsDir() && record.IsReadme(d.Name()) {
			w.hub.Schedule(p)
		}
		return nil
	})
}
