package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle absorbs the write+rename bursts editors produce for a single
// save, so onChange fires once per save.
const watchSettle = 200 * time.Millisecond

// Watch reloads the config whenever the file changes and hands the new
// value to onChange. Invalid intermediate states are logged and skipped —
// the last good config stays in effect. Returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory, not the file: editors that save via rename
	// replace the inode and a file watch would go silent.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	base := filepath.Base(path)
	var settle *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Printf("CONFIG: reload skipped: %v", err)
			return
		}
		log.Printf("CONFIG: reloaded %s", path)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return nil
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(watchSettle, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch error: %v", err)
		}
	}
}
