package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	watcherDebounce = 200 * time.Millisecond
	selfWriteWindow = time.Second
)

var lastSelfWrite atomic.Int64

func markSelfWrite(string) {
	lastSelfWrite.Store(time.Now().UnixNano())
}

func recentlyWritten(now time.Time) bool {
	return now.Sub(time.Unix(0, lastSelfWrite.Load())) < selfWriteWindow
}

// WatchSettingsFile reloads the settings file when it is edited outside the process
// and broadcasts the result to peers. It blocks until ctx is done.
func WatchSettingsFile(ctx context.Context) error {
	path, err := filepath.Abs(SettingsFilePath())
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if recentlyWritten(time.Now()) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watcherDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := reloadSettingsFile(path); err != nil {
				log.Error("Settings reload failed, keeping previous configuration", "path", path, "error", err)
				continue
			}
			log.Info("Settings reloaded from disk", "path", path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Settings watcher error", "error", err)
		}
	}
}

func reloadSettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}

	return applyConfigUpdate(cfg, configUpdateOptions{broadcast: true, source: "watcher"})
}
