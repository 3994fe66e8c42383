// Package watch runs an action when a file changes: fsnotify events on the
// file are debounced, then the action fires once.
//
//	w, err := watch.New("formsafe.yaml", watch.Options{Debounce: 300 * time.Millisecond})
//	go w.OnChange(ctx, func() error { return svc.Reload() })
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period used when Options.Debounce is zero.
const DefaultDebounce = 250 * time.Millisecond

// Options tunes the watcher.
type Options struct {
	// Debounce is the quiet period after the last event before the action
	// fires. Further events reset it.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher watches one file. The parent directory is watched so that
// editors replacing the file by rename are seen too.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher
	opts Options

	events   atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Events        int64         `json:"events"`
	Errors        int64         `json:"errors"`
	Reloads       int64         `json:"reloads"`
	AvgReloadTime time.Duration `json:"avg_reload_time"`
}

// New starts watching path.
func New(path string, opts Options) (*Watcher, error) {
	opts.defaults()
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch: add %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, fw: fw, opts: opts}, nil
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Events:  w.events.Load(),
		Errors:  w.errors.Load(),
		Reloads: w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// OnChange blocks until ctx is done, calling action once per burst of
// changes to the file. A failed action is logged; the next change retries.
// The underlying fsnotify watcher is closed on return.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger
	defer w.fw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	log.Info("watch: started", "path", w.path, "debounce", w.opts.Debounce)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			log.Info("watch: stopped", "path", w.path)
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.events.Add(1)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Stop()
				timer.Reset(w.opts.Debounce)
			}
			timerC = timer.C
			log.Debug("watch: change detected, debouncing", "op", ev.Op.String())

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.errors.Add(1)
			log.Warn("watch: fsnotify error", "error", err)

		case <-timerC:
			timerC = nil
			w.fire(log, action)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) fire(log *slog.Logger, action func() error) {
	log.Info("watch: reloading", "path", w.path)
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "path", w.path, "error", err)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	log.Info("watch: reload complete", "path", w.path, "duration", elapsed)
}
