package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jsonkit/jsonkit/internal/extdata"
	"github.com/jsonkit/jsonkit/internal/metrics"
	"github.com/jsonkit/jsonkit/internal/pathrules"
	"github.com/jsonkit/jsonkit/internal/tree"
)

// Config holds watcher configuration.
type Config struct {
	// StabilityThreshold is how long a path must stay unchanged before its
	// create or write is reported.
	StabilityThreshold time.Duration

	// PollInterval is how often pending paths are re-checked.
	PollInterval time.Duration

	// EventBufferSize is the capacity of the Events channel.
	EventBufferSize int

	// Cache computes extData for added and changed files. Nil disables it.
	Cache *extdata.Cache

	// Logger for watcher activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StabilityThreshold: 500 * time.Millisecond,
		PollInterval:       100 * time.Millisecond,
		EventBufferSize:    100,
		Logger:             slog.Default(),
	}
}

// pending is the settle state of one path.
type pending struct {
	deadline time.Time
	size     int64
	modTime  time.Time
	// created is set while the path's creation has not been reported.
	created bool
}

// Watcher watches a directory tree and emits canonical change events.
type Watcher struct {
	fsw    *fsnotify.Watcher
	config Config

	events chan tree.Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	started  bool
	stopOnce sync.Once

	root string

	// Owned by the event loop once started.
	known   map[string]bool // path -> isDir
	pending map[string]*pending
}

// New creates a Watcher. The watcher must be started with Start() before it
// will emit events.
func New(config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	defaults := DefaultConfig()
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = defaults.StabilityThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = defaults.EventBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsw:     fsw,
		config:  cfg,
		events:  make(chan tree.Event, cfg.EventBufferSize),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		known:   make(map[string]bool),
		pending: make(map[string]*pending),
	}, nil
}

// Start registers every directory under root and begins emitting events.
// Entries that already exist are not reported.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.started {
		return fmt.Errorf("watcher already stopped")
	}

	abs, err := pathrules.Abs(root)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to watch %s: not a directory", abs)
	}
	if err := w.fsw.Add(abs); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	w.root = abs
	w.known[abs] = true
	w.seed(abs)

	w.running = true
	w.started = true
	w.wg.Add(1)
	go w.run()

	w.config.Logger.Info("watching directory", slog.String("root", abs), slog.Int("entries", len(w.known)))
	return nil
}

// seed registers the directories below dir and remembers the type of every
// entry, so later removals can be classified.
func (w *Watcher) seed(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.config.Logger.Warn("skipping unreadable path",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if path == dir {
			return nil
		}
		if pathrules.IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			w.known[path] = true
			if err := w.fsw.Add(path); err != nil {
				w.config.Logger.Warn("failed to watch directory",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
			return nil
		}
		if tracked(path) {
			w.known[path] = false
		}
		return nil
	})
}

// Stop stops watching and blocks until the event loop has exited.
// Events and Errors are closed afterwards. Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		if cerr := w.fsw.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		w.wg.Wait()

		w.mu.Lock()
		if !w.started {
			close(w.events)
			close(w.errors)
		}
		w.started = true
		w.running = false
		w.mu.Unlock()
	})
	return err
}

// Events returns the channel of canonical change events.
// The channel is closed when the watcher stops.
func (w *Watcher) Events() <-chan tree.Event {
	return w.events
}

// Errors returns the channel of watcher errors. An error wrapping
// tree.ErrWatcherFatal is sent at most once and ends the watch.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

// run is the event loop. It owns known and pending, so every transition of
// a path happens here, in order.
func (w *Watcher) run() {
	defer w.wg.Done()
	defer close(w.errors)
	defer close(w.events)
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if err := w.handle(event); err != nil {
				w.fatal(err)
				return
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.report(err)

		case now := <-ticker.C:
			w.settle(now)
		}
	}
}

// handle applies one raw notification. A non-nil return is fatal.
func (w *Watcher) handle(event fsnotify.Event) error {
	path := filepath.Clean(event.Name)

	if path == w.root {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			return fmt.Errorf("watched root %s was removed: %w", path, tree.ErrWatcherFatal)
		}
		return nil
	}

	segs, err := pathrules.Split(w.root, path)
	if err != nil || segs.HasHiddenSegment() {
		return nil
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename reports the old name; the new name arrives as a create.
		w.removed(path)
	case event.Has(fsnotify.Create):
		w.created(path)
	case event.Has(fsnotify.Write):
		w.written(path)
	}
	return nil
}

func (w *Watcher) removed(path string) {
	isDir, known := w.known[path]
	p, wasPending := w.pending[path]

	delete(w.pending, path)
	delete(w.known, path)
	if w.config.Cache != nil {
		w.config.Cache.Forget(path)
	}

	if isDir {
		_ = w.fsw.Remove(path)
		w.forgetBelow(path)
	}

	switch {
	case wasPending && p.created:
		w.config.Logger.Debug("creation cancelled before settling", slog.String("path", path))
	case !known:
	case isDir:
		w.emit(tree.Event{Kind: tree.DirRemoved, Path: path, Time: time.Now()})
	default:
		w.emit(tree.Event{Kind: tree.FileRemoved, Path: path, Time: time.Now()})
	}
}

// forgetBelow drops every known and pending path strictly under dir.
func (w *Watcher) forgetBelow(dir string) {
	for p := range w.known {
		if p != dir && pathrules.Contains(dir, p) {
			delete(w.known, p)
		}
	}
	for p := range w.pending {
		if pathrules.Contains(dir, p) {
			delete(w.pending, p)
		}
	}
}

func (w *Watcher) created(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		// Already gone; the removal notification follows.
		return
	}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return
	case info.IsDir():
		w.addDir(path)
	case info.Mode().IsRegular() && tracked(path):
		_, known := w.known[path]
		w.schedule(path, info, !known)
	}
}

// addDir reports a new directory and everything already inside it. Entries
// created before the watch was registered would otherwise be missed.
func (w *Watcher) addDir(dir string) {
	stack := []string{dir}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := w.known[cur]; seen {
			continue
		}
		w.known[cur] = true
		if err := w.fsw.Add(cur); err != nil {
			w.config.Logger.Warn("failed to watch directory",
				slog.String("path", cur),
				slog.String("error", err.Error()))
		}
		w.emit(tree.Event{Kind: tree.DirAdded, Path: cur, Time: time.Now()})

		entries, err := os.ReadDir(cur)
		if err != nil {
			continue
		}
		// Reverse so that the first entry is popped first.
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			if pathrules.IsHidden(entry.Name()) {
				continue
			}
			full := filepath.Join(cur, entry.Name())
			switch {
			case entry.Type()&fs.ModeSymlink != 0:
			case entry.IsDir():
				stack = append(stack, full)
			case entry.Type().IsRegular() && tracked(full):
				if info, err := entry.Info(); err == nil {
					_, known := w.known[full]
					w.schedule(full, info, !known)
				}
			}
		}
	}
}

func (w *Watcher) written(path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if _, ok := w.pending[path]; ok || pathrules.IsJSON(path) {
		_, known := w.known[path]
		w.schedule(path, info, !known)
	}
}

// schedule starts or restarts the settle window of path.
func (w *Watcher) schedule(path string, info fs.FileInfo, created bool) {
	p, ok := w.pending[path]
	if !ok {
		p = &pending{created: created}
		w.pending[path] = p
	}
	p.size = info.Size()
	p.modTime = info.ModTime()
	p.deadline = time.Now().Add(w.config.StabilityThreshold)
}

// settle re-checks pending paths and reports those whose window elapsed.
func (w *Watcher) settle(now time.Time) {
	var ready []string
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			// The removal notification decides what to report.
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
			p.size = info.Size()
			p.modTime = info.ModTime()
			p.deadline = now.Add(w.config.StabilityThreshold)
			continue
		}
		if now.Before(p.deadline) {
			continue
		}
		ready = append(ready, path)
	}
	sort.Strings(ready)

	for _, path := range ready {
		p := w.pending[path]
		delete(w.pending, path)

		if p.created {
			w.known[path] = false
			w.emit(tree.Event{Kind: tree.FileAdded, Path: path, ExtData: w.extData(path), Time: time.Now()})
			continue
		}
		if pathrules.IsJSON(path) {
			w.emit(tree.Event{Kind: tree.FileChanged, Path: path, ExtData: w.extData(path), Time: time.Now()})
		}
	}
	metrics.SetWatchPending(len(w.pending))
}

func (w *Watcher) extData(path string) tree.ExtData {
	if w.config.Cache == nil || !w.config.Cache.Enabled() {
		return nil
	}
	w.config.Cache.Forget(path)
	values, err := w.config.Cache.File(path)
	if err != nil {
		w.config.Logger.Warn("extData unavailable",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil
	}
	return values
}

func (w *Watcher) emit(ev tree.Event) {
	metrics.RecordWatchEvent(ev.Kind.String())
	w.config.Logger.Debug("change", slog.String("type", ev.Kind.String()), slog.String("path", ev.Path))
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// report forwards a non-fatal error without blocking the loop.
func (w *Watcher) report(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.config.Logger.Warn("fsnotify queue overflow, changes may have been missed")
	}
	select {
	case w.errors <- err:
	default:
		w.config.Logger.Warn("watcher error dropped", slog.String("error", err.Error()))
	}
}

func (w *Watcher) fatal(err error) {
	w.config.Logger.Error("watcher stopped", slog.String("error", err.Error()))
	select {
	case w.errors <- err:
	case <-w.done:
	}
}

// tracked reports whether a file at path takes part in the tree protocol:
// .json files and files without an extension.
func tracked(path string) bool {
	name := filepath.Base(path)
	return pathrules.IsJSON(name) || pathrules.HasNoExt(name)
}
