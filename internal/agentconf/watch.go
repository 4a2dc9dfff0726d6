package agentconf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls onChange with the path of the agent config or secret file
// whenever either is created, written, or removed by someone other than
// this store. Events are debounced. Watch blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	targets := make(map[string]bool)
	watched := make(map[string]bool)
	track := func() error {
		f, err := s.Load()
		if err != nil {
			return err
		}
		clear(targets)
		for _, p := range []string{s.path, f.SecretPath} {
			p = filepath.Clean(p)
			targets[p] = true
			dir := filepath.Dir(p)
			if watched[dir] {
				continue
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			if err := w.Add(dir); err != nil {
				return fmt.Errorf("watching %s: %w", dir, err)
			}
			watched[dir] = true
		}
		return nil
	}
	if err := track(); err != nil {
		return err
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(ev.Name)
			if !targets[name] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[name] = true
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("agent config watcher error", "err", err)
		case <-timer.C:
			for name := range pending {
				if s.ownChange(name) {
					continue
				}
				if name == filepath.Clean(s.path) {
					// secret_path may have moved.
					if err := track(); err != nil {
						s.log.Warn("reloading agent config", "err", err)
					}
				}
				onChange(name)
			}
			clear(pending)
		}
	}
}
