package skills

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events into one sync.
const debounceWindow = 500 * time.Millisecond

// Watch resyncs the registry when skill files change under any root.
// Blocks until ctx is canceled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range r.Roots() {
		if _, err := os.Stat(root.Path); err != nil {
			continue
		}
		if err := watcher.Add(root.Path); err != nil {
			slog.Warn("cannot watch skill root", "path", root.Path, "error", err)
			continue
		}
		// Watch each skill directory so SKILL.md edits are seen too.
		entries, err := os.ReadDir(root.Path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(root.Path + string(os.PathSeparator) + entry.Name())
			}
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("skill watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if res, err := r.Sync(); err != nil {
				slog.Error("skill resync failed", "error", err)
			} else if res.Added+res.Updated+res.Removed > 0 {
				slog.Info("skills resynced",
					"added", res.Added, "updated", res.Updated, "removed", res.Removed)
			}
		}
	}
}
