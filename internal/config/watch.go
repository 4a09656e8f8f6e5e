package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes and hands the result to
// OnChange. A file that fails to load or validate goes to OnError and the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	onError  func(error)

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher watches the directory holding path, so renames by editors and
// config management tools are seen too.
func NewWatcher(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		onError:  onError,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start processes events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	if w.started.CompareAndSwap(false, true) {
		go w.run(ctx)
	}
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.onError(err)
		return
	}
	w.onChange(cfg)
}
