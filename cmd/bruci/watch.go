package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

// watchDebounce coalesces editor save bursts into one re-run.
var watchDebounce = 300 * time.Millisecond

// watchAndRun re-runs fn whenever a collection file under root changes and
// returns the exit code of the last run once ctx is done.
func watchAndRun(ctx context.Context, root string, logger pslog.Base, fn func(context.Context) (int, error)) (int, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return exitUsage, fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, root); err != nil {
		return exitUsage, err
	}
	logger.Info("watching for changes", "dir", root)

	code := exitOK
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return code, nil
		case event, ok := <-watcher.Events:
			if !ok {
				return code, nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchTree(watcher, event.Name)
					continue
				}
			}
			if !watchedFile(event) {
				continue
			}
			logger.Debug("change detected", "file", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			var runErr error
			code, runErr = fn(ctx)
			if runErr != nil {
				logger.Error("run failed", "error", runErr)
			}
			logger.Info("watching for changes", "dir", root)
		case err, ok := <-watcher.Errors:
			if !ok {
				return code, nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func watchedFile(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if base == ".env" || base == "bruno.json" {
		return true
	}
	// other .json files are skipped so reports written into the tree do not
	// trigger another run
	switch filepath.Ext(base) {
	case ".bru", ".yaml", ".yml", ".csv":
		return true
	}
	return false
}
