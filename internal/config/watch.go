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

	logx "pillcall/pkg/logx"
)

const (
	reloadDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file on change until ctx ends. The parent directory is
// watched so editors that replace the file are still seen. A broken
// watcher is recreated after a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	r := &reloader{m: m, ctx: ctx}
	defer r.stop()

	dir := filepath.Dir(m.path)
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		healthy, err := m.watchDir(ctx, dir, r)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			backoff = watchBackoffMin
		}
		var wait time.Duration
		wait, backoff = nextBackoff(backoff, watchBackoffMax)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher. healthy is true once the watch was
// registered, so a later failure restarts from the minimum backoff.
func (m *ConfigManager) watchDir(ctx context.Context, dir string, r *reloader) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	name := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, fsnotify.ErrClosed
			}
			if ev.Op&reloadOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				r.schedule()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return true, fsnotify.ErrClosed
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				r.schedule()
			case errors.Is(err, fsnotify.ErrClosed):
				return true, err
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// reloader coalesces bursts of events into one reload after reloadDelay.
type reloader struct {
	m   *ConfigManager
	ctx context.Context

	mu    sync.Mutex
	timer *time.Timer
}

func (r *reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(reloadDelay, r.reload)
}

func (r *reloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *reloader) reload() {
	m := r.m
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	if m.committed(cfg) {
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(r.ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

// nextBackoff returns cur plus up to 50% jitter, and the doubled backoff
// capped at limit.
func nextBackoff(cur, limit time.Duration) (wait, next time.Duration) {
	wait = cur + rand.N(cur/2+1)
	return wait, min(cur*2, limit)
}
