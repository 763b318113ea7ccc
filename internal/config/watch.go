package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	logx "ghrelay/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchRetryBase  = 250 * time.Millisecond
	watchRetryMax   = 5 * time.Second
	relevantFileOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
)

var errWatcherClosed = errors.New("watcher closed")

// Watch reloads the file whenever it changes until ctx is done. Bursts of
// events within reloadDebounce collapse into one reload. When the watcher
// itself breaks it is recreated after a growing delay.
func (m *ConfigManager) Watch(ctx context.Context) error {
	reload := newDebouncer(reloadDebounce, func() { m.reload(ctx) })
	defer reload.stop()

	failures := 0
	for ctx.Err() == nil {
		err := m.watchDir(ctx, reload.trigger, func() { failures = 0 })
		if ctx.Err() != nil {
			break
		}
		wait := watchRetryDelay(failures)
		failures++
		m.log.Warn("config watcher failed; retrying",
			logx.String("path", m.path),
			logx.Duration("retry_in", wait),
			logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

// watchDir watches the file's directory, not the file: editors that save
// by rename would otherwise detach the watch.
func (m *ConfigManager) watchDir(ctx context.Context, changed, ready func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	ready()
	m.log.Debug("watching config", logx.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&relevantFileOps != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// events were lost; the file may have changed
				m.log.Warn("config watch overflow", logx.Err(err))
				changed()
			case err != nil:
				return err
			}
		}
	}
}

// watchRetryDelay doubles from watchRetryBase per consecutive failure,
// capped at watchRetryMax, plus up to 50% jitter.
func watchRetryDelay(failures int) time.Duration {
	d := watchRetryMax
	if failures < 16 {
		d = min(watchRetryBase<<failures, watchRetryMax)
	}
	return d + rand.N(d/2+1)
}

// debouncer runs fn once, wait after the most recent trigger. trigger and
// stop must not be called concurrently.
type debouncer struct {
	t    *time.Timer
	wait time.Duration
}

func newDebouncer(wait time.Duration, fn func()) *debouncer {
	t := time.AfterFunc(wait, fn)
	t.Stop()
	return &debouncer{t: t, wait: wait}
}

func (d *debouncer) trigger() { d.t.Reset(d.wait) }
func (d *debouncer) stop()    { d.t.Stop() }
