package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadRunnerCredentials reads a YAML file mapping runner ids to secrets.
func LoadRunnerCredentials(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var runners map[string]string
	if err := yaml.Unmarshal(raw, &runners); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return runners, nil
}

// WatchCredentials re-parses the credentials file whenever it changes and
// hands the new mapping to onChange. The parent directory is watched rather
// than the file itself, so tools that replace the file atomically still
// trigger a reload. The watcher stops when ctx is cancelled.
func WatchCredentials(ctx context.Context, path string, onChange func(map[string]string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// A save shows up as a burst of events; reload once
				// they settle.
				settle = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("credential watcher", "error", err)
			case <-settle:
				settle = nil
				runners, err := LoadRunnerCredentials(path)
				if err != nil {
					slog.Error("reload runner credentials", "path", path, "error", err)
					continue
				}
				slog.Info("runner credentials reloaded", "path", path, "runners", len(runners))
				onChange(runners)
			}
		}
	}()
	return nil
}
