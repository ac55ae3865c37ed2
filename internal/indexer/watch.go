package indexer

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mbellec/ragproxy/internal/docload"
)

// debounce coalesces bursts of filesystem events into a single re-run.
const debounce = 2 * time.Second

// Watch runs an initial pass, then re-runs the pipeline whenever a
// supported file in the source directory is created or written. The
// tracker makes re-runs cheap: unchanged files are skipped.
func (ix *Indexer) Watch(ctx context.Context) error {
	if err := ix.Run(ctx); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(ix.cfg.Indexing.SourcePath); err != nil {
		return err
	}
	ix.log.Info("watching for changes", "path", ix.cfg.Indexing.SourcePath)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !docload.Supported(event.Name) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ix.log.Warn("watcher error", "error", err)
		case <-timer.C:
			if err := ix.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ix.log.Error("re-index failed", "error", err)
			}
		}
	}
}
