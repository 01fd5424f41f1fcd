package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPolicyFile watches path's directory for writes/renames of path and
// calls b.ReloadPolicy(path) whenever one occurs, logging failures without
// propagating them (SPEC_FULL.md ambient supplement to spec §4.2's
// explicit reload_policy operation; editors commonly replace-by-rename
// rather than write-in-place, so the whole directory is watched rather
// than just the file's inode). The watcher stops when ctx is done.
func WatchPolicyFile(ctx context.Context, b *Broker, path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := b.ReloadPolicy(path); err != nil {
					fmt.Fprintf(os.Stderr, "[substrate:broker] policy hot-reload failed: %v\n", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "[substrate:broker] policy watcher error: %v\n", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
