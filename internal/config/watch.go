package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editors that write config files in several steps
// (truncate, write, rename).
const watchDebounce = 250 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and calls onChange
// with each valid new version. Invalid versions are logged and skipped — the
// running config stays as it was. The returned stop func ends the watch.
//
// The parent directory is watched rather than the file itself: most editors
// replace the file atomically, which would otherwise drop the watch.
func Watch(path string, onChange func(Config)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	base := filepath.Base(path)
	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Printf("CONFIG: reload of %s failed, keeping current: %v", path, err)
						return
					}
					log.Printf("CONFIG: reloaded %s", path)
					onChange(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}
