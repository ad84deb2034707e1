package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/loggingutil"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// watchLogLevel re-reads path whenever it changes and applies its log-level
// key to levels. The directory is watched rather than the file so that
// editors replacing the file by rename keep being followed.
func watchLogLevel(ctx context.Context, path string, levels *loggingutil.Switch, logger pslog.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch %s: %w", path, err)
	}
	target := filepath.Clean(path)
	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			case <-fire:
				fire = nil
				applyLogLevel(target, levels, logger)
			}
		}
	}()
	return watcher, nil
}

func applyLogLevel(path string, levels *loggingutil.Switch, logger pslog.Logger) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config reload failed", "path", path, "error", err)
		return
	}
	raw := logLevelSetting(v.GetString("log-level"))
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		logger.Warn("config reload ignored invalid log level", "path", path, "log_level", raw)
		return
	}
	if levels.SetLevel(level) {
		logger.Info("log level changed", "path", path, "log_level", raw)
	}
}
