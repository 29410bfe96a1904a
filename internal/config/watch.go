package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settingsDebounce = 25 * time.Millisecond

// SettingsWatcher follows external edits to the settings file. Stop must be
// called to release filesystem resources.
type SettingsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *SettingsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// Watch invokes onChange whenever the settings file changes to a different
// valid value. Unreadable or invalid contents are reported through onError and
// leave the last delivered settings in place. The parent directory is watched
// so the file may be created, replaced or removed while watching.
func (s *SettingsStore) Watch(ctx context.Context, onChange func(Settings), onError func(error)) (*SettingsWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch settings requires a change callback")
	}

	target := s.path
	if abs, err := filepath.Abs(s.path); err == nil {
		target = abs
	}
	target = filepath.Clean(target)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch settings: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &SettingsWatcher{cancel: cancel, done: done}
	last := s.Load()

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch settings close: %w", err))
			}
		}()

		reload := func() {
			settings, err := s.read()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			if settings == last {
				return
			}
			last = settings
			onChange(settings)
		}

		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(settingsDebounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(settingsDebounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return w, nil
}
