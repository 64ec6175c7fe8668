package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports one changed file under watch.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes config.yaml and the agent-config directory and surfaces
// change events for hot reload of trigger schedules and agent configs.
// Engine tuning (worker counts, lease TTLs) is deliberately not hot-swapped:
// those values are bound to already-running goroutines.
type Watcher struct {
	homeDir        string
	agentConfigDir string
	logger         *slog.Logger
	events         chan ReloadEvent
}

// NewWatcher constructs a Watcher; Start begins delivery.
func NewWatcher(homeDir, agentConfigDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:        homeDir,
		agentConfigDir: agentConfigDir,
		logger:         logger,
		events:         make(chan ReloadEvent, 16),
	}
}

// Events returns the change stream. The channel closes when the context
// given to Start is canceled.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching in a background goroutine. Watch registration
// failures for individual paths are tolerated (the file may not exist yet).
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	_ = fsw.Add(filepath.Join(w.homeDir, "config.yaml"))
	_ = fsw.Add(w.agentConfigDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
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
