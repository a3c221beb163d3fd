package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of events a single editor save produces.
const debounce = 150 * time.Millisecond

// Watcher signals after config.yaml in the home directory is written,
// created or renamed into place. The directory is watched rather than the
// file so that atomic-rename saves are seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	changed chan struct{}
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{homeDir: homeDir, logger: logger, changed: make(chan struct{}, 1)}
}

// Changed receives one value per settled burst of edits. It is closed when
// the watch context ends.
func (w *Watcher) Changed() <-chan struct{} { return w.changed }

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.changed)
	defer fsw.Close()

	target := filepath.Clean(ConfigPath(w.homeDir))
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file event", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case <-timer.C:
			select {
			case w.changed <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// ReloadFunc receives a freshly loaded, validated config.
type ReloadFunc func(Config)

// ApplyReloads reloads the config after each change and hands it to every
// fn when its fingerprint differs from the last applied one. A config that
// fails to load or validate is logged and ignored. It returns once the
// watcher stops.
func ApplyReloads(w *Watcher, logger *slog.Logger, fns ...ReloadFunc) {
	if logger == nil {
		logger = slog.Default()
	}
	var applied string
	for range w.Changed() {
		cfg, err := LoadFrom(w.homeDir)
		if err != nil {
			logger.Error("config reload rejected; keeping previous settings", "error", err)
			continue
		}
		fp := cfg.Fingerprint()
		if fp == applied {
			continue
		}
		applied = fp
		for _, fn := range fns {
			fn(cfg)
		}
		logger.Info("config hot-reloaded", "fingerprint", applied,
			"agent_timeout", cfg.AgentTimeout(), "task_timeout", cfg.TaskTimeout(), "log_level", cfg.LogLevel)
	}
}
