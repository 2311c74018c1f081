package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tabtreehq/tabtree/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompConfig)

// Watcher watches config.toml with fsnotify and delivers a freshly loaded
// Config on every change, so band fractions, opener policy and debounce
// settings can be adjusted without a restart.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	reloadCh chan *Config
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewWatcher creates a watcher for the config file.
// Call Start() in a goroutine, then read from ReloadCh().
func NewWatcher() (*Watcher, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		watcher:  fw,
		reloadCh: make(chan *Config, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. Must be called in a goroutine; blocks until Stop().
// The parent directory is watched rather than the file itself so atomic
// rename saves (temp file + rename) are observed.
func (w *Watcher) Start() {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		watchLog.Warn("config_watch_add_failed",
			slog.String("dir", filepath.Dir(w.path)),
			slog.String("error", err.Error()),
		)
		return
	}

	// Debounce timer: editors and atomic saves fire several events per write.
	var debounce *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			watchLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Reload()
	if err != nil {
		watchLog.Warn("config_reload_failed", slog.String("error", err.Error()))
		return
	}
	watchLog.Info("config_reloaded", slog.String("path", w.path))

	// Non-blocking send; only the latest config matters.
	select {
	case w.reloadCh <- cfg:
	default:
		select {
		case <-w.reloadCh:
		default:
		}
		w.reloadCh <- cfg
	}
}

// ReloadCh returns the channel delivering reloaded configs.
func (w *Watcher) ReloadCh() <-chan *Config {
	return w.reloadCh
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}
