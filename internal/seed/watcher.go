package seed

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"querysmith/internal/logging"
)

// =============================================================================
// DIRECTORY WATCHER
// =============================================================================

// Watcher reloads knowledge files as they are created or edited. Saves are
// idempotent, so redundant events are harmless.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching the knowledge directory's subdirectories. It
// returns after the watch is registered; reloads happen on a background
// goroutine until Close is called.
func Watch(ctx context.Context, loader *Loader, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, sub := range []string{"tables", "business", "queries"} {
		path := filepath.Join(dir, sub)
		if err := fsw.Add(path); err != nil {
			logging.Get(logging.CategorySeed).Warn("Not watching %s: %v", path, err)
		}
	}

	w := &Watcher{
		loader:  loader,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	go w.run(ctx)

	logging.Seed("Watching knowledge dir %s", dir)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if err := w.loader.LoadFile(ctx, event.Name); err != nil {
				logging.SeedDebug("Ignoring %s: %v", event.Name, err)
				continue
			}
			logging.Seed("Reloaded %s", event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySeed).Warn("Watch error: %v", err)
		}
	}
}

// Close stops the watcher and waits for the reload loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
