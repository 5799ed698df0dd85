package fileops

import (
	"github.com/fsnotify/fsnotify"

	"github.com/bdaemon/agentd/internal/daemonlog"
)

// watcher evicts cache entries the moment the underlying file changes
// on disk outside a daemon-issued write, instead of waiting for the
// next access's revision check to notice. Eviction on our own atomic
// rename is harmless — the write path re-caches the fresh document
// immediately after.
type watcher struct {
	fw    *fsnotify.Watcher
	cache *contentCache
}

func newWatcher(cache *contentCache) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{fw: fw, cache: cache}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				w.cache.Delete(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			daemonlog.Logf("fileops: watcher: %v", err)
		}
	}
}

// add registers path with the underlying watcher. Failures (too many
// watches, file gone) degrade to revision-check-only invalidation.
func (w *watcher) add(path string) {
	if err := w.fw.Add(path); err != nil {
		daemonlog.Logf("fileops: watch %s: %v", path, err)
	}
}

func (w *watcher) Close() error {
	return w.fw.Close()
}
