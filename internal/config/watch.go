package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postbot/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchRetryBase   = 250 * time.Millisecond
	watchRetryMaxGap = 5 * time.Second
)

// Watch reloads the config whenever its file changes, until ctx ends. The
// parent directory is watched so editors that replace the file by rename
// are still seen. A watcher that fails is rebuilt with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reloadLogged(ctx) })
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	retry := watchRetryBase
	for ctx.Err() == nil {
		healthy, err := m.watchDir(ctx, dir, file, schedule)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			retry = watchRetryBase
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMaxGap)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher until it breaks or ctx ends. healthy
// reports whether the watcher was established at all.
func (m *ConfigManager) watchDir(ctx context.Context, dir, file string, changed func()) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, fsnotify.ErrClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return true, fsnotify.ErrClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; reload to catch up.
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				changed()
			case err != nil:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}

func (m *ConfigManager) reloadLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	changed, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload failed; keeping current", logx.String("path", m.path), logx.Err(err))
	case changed:
		m.log.Debug("config published", logx.String("path", m.path))
	default:
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	}
}
