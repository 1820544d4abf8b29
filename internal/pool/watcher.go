package pool

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watcherDebounce  = 500 * time.Millisecond
	watcherReconcile = time.Second
)

// Watch invalidates executors whose user classpath changes on disk, so the
// next Get starts a worker that sees the new code. It follows the pool's
// classpaths as they come and go, and blocks until ctx is cancelled.
func (p *Pool) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	reconcile := func() {
		wanted := make(map[string]bool)
		for _, cp := range p.Classpaths() {
			for _, path := range filepath.SplitList(cp) {
				if path != "" {
					wanted[path] = true
				}
			}
		}
		for path := range wanted {
			if watched[path] {
				continue
			}
			if err := watcher.Add(path); err != nil {
				p.logger.Debug("cannot watch classpath entry", "path", path, "error", err)
				continue
			}
			watched[path] = true
			p.logger.Debug("watching classpath entry", "path", path)
		}
		for path := range watched {
			if !wanted[path] {
				watcher.Remove(path)
				delete(watched, path)
			}
		}
	}
	reconcile()

	ticker := time.NewTicker(watcherReconcile)
	defer ticker.Stop()

	var (
		mu            sync.Mutex
		dirty         = make(map[string]bool)
		debounceTimer *time.Timer
	)
	flush := func() {
		mu.Lock()
		changed := dirty
		dirty = make(map[string]bool)
		mu.Unlock()

		for _, cp := range p.Classpaths() {
			for _, path := range filepath.SplitList(cp) {
				if changed[path] {
					n := p.Invalidate(cp)
					p.logger.Info("classpath changed, executors invalidated", "classpath", cp, "executors", n)
					break
				}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case <-ticker.C:
			reconcile()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.logger.Debug("classpath file changed", "file", event.Name, "op", event.Op)

			mu.Lock()
			dirty[event.Name] = true
			dirty[filepath.Dir(event.Name)] = true
			mu.Unlock()

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, flush)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("classpath watcher error", "error", err)
		}
	}
}
