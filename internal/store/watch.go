package store

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// WatchControlSignal watches control.json for writes and sends on ch
// whenever one occurs, so the runner's poll loop can react promptly
// instead of only at its fixed checkpoint interval. Grounded on the
// teacher's own fsnotify use in internal/controller/filewatcher.
// Errors are logged, never fatal — the runner's periodic poll is
// always a correct fallback.
func (s *Stores) WatchControlSignal(logger *slog.Logger) (ch <-chan struct{}, stop func()) {
	out := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("control signal watch disabled", slog.Any("error", err))
		return out, func() {}
	}
	if err := watcher.Add(s.dir); err != nil {
		logger.Warn("control signal watch disabled", slog.Any("error", err))
		watcher.Close()
		return out, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == s.controlPath() && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
					select {
					case out <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("control signal watch error", slog.Any("error", err))
			case <-done:
				return
			}
		}
	}()

	return out, func() {
		close(done)
		watcher.Close()
	}
}
