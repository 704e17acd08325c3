package config

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounce is how long Watcher waits after the last filesystem event
// before invoking its callback, coalescing the write+rename bursts most
// editors and config-management tools produce for a single logical
// change.
const debounce = 300 * time.Millisecond

// Watcher reloads a callback whenever path changes on disk. It is used
// for the graph config file; a PullFeedDriver's side-config file is not
// watched and is reloaded only on SIGHUP.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// WatchFile starts watching path, invoking onChange (debounced) whenever
// it is written or recreated. Call Close to stop.
func WatchFile(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}
	go w.run(path, onChange)
	return w, nil
}

func (w *Watcher) run(path string, onChange func()) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", path).Msg("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
