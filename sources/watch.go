package sources

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever the file at path changes, until ctx is
// cancelled. The parent directory is watched so that editors which replace
// the file on save are picked up. A failed reload keeps the previous catalog.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sources: resolve %q: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sources: create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("sources: watch %q: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(target); err != nil {
				slog.Warn("source catalog reload failed, keeping previous", "path", target, "error", err)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("source catalog watcher error", "error", err)
		}
	}
}
