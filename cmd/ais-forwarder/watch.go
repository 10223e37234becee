package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchConfig reloads the configuration whenever path changes and hands the
// result to onChange. A reload that fails to parse or validate is logged and
// the running configuration stays in place. It runs until ctx is done.
//
// The parent directory is watched rather than the file: editors that save by
// renaming a temporary file over path replace the inode, and a watch on the
// old inode would never fire again.
func watchConfig(ctx context.Context, path string, reload func() (*appConfig, error), onChange func(*appConfig), l *slog.Logger) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	l.Info("config_watch", "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := reload()
			if err != nil {
				l.Error("config_reload_failed", "path", path, "error", err)
				continue
			}
			l.Info("config_reloaded", "path", path)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.Warn("config_watch_error", "error", err)
		}
	}
}
