// Package watch detects external tampering with a datastore directory
// while it is open: another process deleting the properly-closed mark,
// a segment backing file, or the metadata file out from under a live
// Manager. None of these are supposed to happen during normal operation,
// so a detected removal is surfaced to the caller as an early warning
// rather than only being discovered as a decode error on next Open.
package watch

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"metallgo/internal/logging"
)

// Watcher observes a single datastore directory for removals of its
// load-bearing files.
type Watcher struct {
	fsw  *fsnotify.Watcher
	log  *slog.Logger
	done chan struct{}
}

// New starts watching dir. onTamper is invoked (on an internal goroutine)
// with the base name of any load-bearing file that is removed or renamed
// away while the watcher is running.
func New(dir string, onTamper func(name string), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:  fsw,
		log:  logging.Default(logger).With("component", "watch", "dir", dir),
		done: make(chan struct{}),
	}
	go w.loop(onTamper)
	return w, nil
}

func isLoadBearing(name string) bool {
	switch name {
	case "metall_meta", "metall_properly_closed", "segment_manifest", "chunk_directory", "named_objects.json":
		return true
	}
	return strings.HasPrefix(name, "segment_block-")
}

func (w *Watcher) loop(onTamper func(string)) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(ev.Name)
			if !isLoadBearing(base) {
				continue
			}
			w.log.Warn("load-bearing datastore file removed while open", "file", base)
			if onTamper != nil {
				onTamper(base)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}

// Close stops watching and waits for the internal goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
