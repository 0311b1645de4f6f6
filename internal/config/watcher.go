package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a config.yaml edit that changed the effective
// settings, or that left the file unloadable.
type ReloadEvent struct {
	Path        string
	Op          fsnotify.Op
	Fingerprint string // of the reloaded config; empty when Err is set
	Err         error
}

const defaultDebounce = 150 * time.Millisecond

// Watcher reports edits to config.yaml. It watches the home directory
// rather than the file so editors that replace the file are still seen.
// Bursts of writes are coalesced, and saves that leave the settings
// unchanged are dropped.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
	last     string
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: defaultDebounce,
		events:   make(chan ReloadEvent, 16),
	}
	if cfg, err := LoadFrom(homeDir); err == nil {
		w.last = cfg.Fingerprint()
	}
	return w
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var (
			timer   *time.Timer
			fire    <-chan time.Time
			pending fsnotify.Op
			name    string
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				pending |= ev.Op
				name = ev.Name
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				w.reload(name, pending)
				pending = 0
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(path string, op fsnotify.Op) {
	ev := ReloadEvent{Path: path, Op: op}
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		ev.Err = err
		w.logger.Warn("config file changed but does not load", "path", path, "error", err)
	} else {
		fp := cfg.Fingerprint()
		if fp == w.last {
			w.logger.Debug("config file saved without changes", "path", path)
			return
		}
		w.last = fp
		ev.Fingerprint = fp
		w.logger.Info("config file changed", "path", path, "op", op.String(), "fingerprint", fp)
	}
	select {
	case w.events <- ev:
	default:
	}
}
