// Package watch notices outside changes to the system resolver
// configuration so the node status can be refreshed without polling.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultResolverFile is the resolver configuration the dns utility edits.
	DefaultResolverFile = "/etc/resolv.conf"
	// DefaultDebounce coalesces the burst of events a single rewrite causes.
	DefaultDebounce = 250 * time.Millisecond
)

// ResolverWatcher calls a callback when the resolver file changes. It
// watches the parent directory because the file is usually replaced by a
// rename rather than written in place.
type ResolverWatcher struct {
	path     string
	debounce time.Duration
	clock    clockwork.Clock
	logger   *zap.SugaredLogger
	onChange func()

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
}

// Option customizes a ResolverWatcher.
type Option func(*ResolverWatcher)

// WithDebounce sets the quiet period before the callback runs.
func WithDebounce(d time.Duration) Option {
	return func(w *ResolverWatcher) { w.debounce = d }
}

// WithClock sets the clock used for debouncing.
func WithClock(clock clockwork.Clock) Option {
	return func(w *ResolverWatcher) { w.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(w *ResolverWatcher) { w.logger = logger }
}

// NewResolverWatcher starts watching path. onChange runs on its own
// goroutine once changes have settled.
func NewResolverWatcher(path string, onChange func(), opts ...Option) (*ResolverWatcher, error) {
	if path == "" {
		path = DefaultResolverFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}

	w := &ResolverWatcher{
		path:     abs,
		debounce: DefaultDebounce,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop().Sugar(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("watch")

	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating watcher")
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		w.watcher.Close()
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(abs))
	}
	return w, nil
}

// Path returns the watched file.
func (w *ResolverWatcher) Path() string {
	return w.path
}

// Run dispatches file events until ctx is done or the watcher is closed.
func (w *ResolverWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.logger.Debugw("resolver file changed", "op", ev.Op.String())
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("watcher error", "error", err)
		}
	}
}

// schedule (re)arms the debounce timer. Only the newest timer may fire.
func (w *ResolverWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.debounce, func() { w.fire(gen) })
}

func (w *ResolverWatcher) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()
	w.onChange()
}

// Close stops watching. A pending callback is dropped.
func (w *ResolverWatcher) Close() error {
	w.mu.Lock()
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
