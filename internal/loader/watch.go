package loader

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ModTime returns the artifact's current modification time. ok is false when
// the artifact cannot be observed, e.g. mid-rebuild.
func ModTime(path string) (time.Time, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}

	return st.ModTime(), true
}

// HasNewerBuild reports whether the artifact at path has been modified after
// lastSeen. An unchanged or older timestamp is stable, not an error, and a
// stat failure is treated the same way: the artifact may be mid-rebuild.
func HasNewerBuild(path string, lastSeen time.Time) bool {
	st, err := os.Stat(path)
	if err != nil {
		return false
	}

	return st.ModTime().After(lastSeen)
}

// Watcher pushes a signal when the watched artifact may have changed, so a
// host loop can call update immediately instead of polling on an interval.
// The mtime comparison in HasNewerBuild stays authoritative; the watcher only
// wakes the loop up.
type Watcher struct {
	fs   *fsnotify.Watcher
	path string

	// C receives one coalesced signal per burst of artifact events.
	C chan struct{}
}

// NewWatcher watches the directory containing path for changes to the
// artifact. Watching the directory instead of the file survives the
// remove-and-rename dance most build tools perform.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close() //nolint:errcheck,gosec // best effort cleanup.

		return nil, err
	}

	w := &Watcher{fs: fs, path: filepath.Clean(path), C: make(chan struct{}, 1)}
	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
				!ev.Op.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.C <- struct{}{}:
			default: // signal already pending, coalesce.
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("artifact watcher error")
		}
	}
}

// Close stops watching. C is not closed; pending signals may still be read.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
