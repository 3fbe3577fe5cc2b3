// Package watcher reports debounced batches of file system changes.
//
// A Session owns a backend (native fsnotify or polling) and a set of watched
// roots. Raw events are coalesced per path and classified as added, modified
// or removed once the debounce window closes; callers pull batches with Next.
package watcher

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/logging"
)

// DefaultDebounce is the quiet period after the last event before a batch
// is released.
const DefaultDebounce = 250 * time.Millisecond

// ErrClosed is returned by Next and Add once the session is closed.
var ErrClosed = stderrors.New("watcher: session closed")

// ChangeEvent is a raw notification from a backend.
type ChangeEvent struct {
	Type EventType
	Path string
}

// EventType represents the type of a raw file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileFilter determines if a file should be reported. All filters must
// accept a path.
type FileFilter func(path string) bool

// Batch is one debounced set of changes. Paths are absolute and sorted.
type Batch struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Len is the number of paths in the batch.
func (b Batch) Len() int {
	return len(b.Added) + len(b.Removed) + len(b.Modified)
}

// Options configure a Session.
type Options struct {
	// Polling selects the polling backend. Interval is required with it.
	Polling  bool
	Interval time.Duration
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// Ignored holds doublestar patterns or plain paths to exclude.
	Ignored        []string
	Filters        []FileFilter
	FollowSymlinks bool
	Logger         logging.Logger
}

type change int

const (
	changeAdded change = iota
	changeModified
	changeRemoved
)

type root struct {
	path    string
	dir     bool
	pattern string
	dirs    map[string]struct{}
}

type backend interface {
	watch(dir string) error
	unwatch(dir string) error
	close() error
}

// Session watches a dynamic set of paths.
type Session struct {
	opts    Options
	logger  logging.Logger
	ignore  *Matcher
	backend backend

	mu      sync.Mutex
	roots   map[string]*root
	refs    map[string]int
	known   map[string]struct{}
	pending map[string]EventType
	ready   map[string]change
	timer   *time.Timer
	err     error

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession starts a session with no watched paths.
func NewSession(opts Options) (*Session, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Polling && opts.Interval <= 0 {
		return nil, errors.NewValidationError(errors.ErrCodeWatchSetup, "polling watcher requires a positive interval")
	}

	ignore, err := NewMatcher(opts.Ignored)
	if err != nil {
		return nil, errors.WrapWatch(err, errors.ErrCodeWatchSetup, "compiling ignore patterns")
	}

	s := &Session{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).WithComponent("watcher"),
		ignore:  ignore,
		roots:   make(map[string]*root),
		refs:    make(map[string]int),
		known:   make(map[string]struct{}),
		pending: make(map[string]EventType),
		ready:   make(map[string]change),
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}

	if opts.Polling {
		s.backend = newPollBackend(opts.Interval, s.handle)
		return s, nil
	}
	native, err := newFsnotifyBackend(s.handle, s.fail)
	if err != nil {
		return nil, errors.WrapWatch(err, errors.ErrCodeWatchSetup, "starting native file watcher")
	}
	s.backend = native
	return s, nil
}

// Add starts watching files, directories (recursively) and glob patterns.
// Adding a path twice is a no-op.
func (s *Session) Add(paths ...string) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := s.add(p); err != nil {
			errs = append(errs, errors.WrapWatch(err, errors.ErrCodeWatchSetup, "watching "+p))
		}
	}
	return errors.Combine(errs...)
}

func (s *Session) add(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	if _, ok := s.roots[abs]; ok {
		return nil
	}

	if hasMeta(p) {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(abs))
		r := &root{path: filepath.FromSlash(base), dir: true, pattern: filepath.ToSlash(abs), dirs: make(map[string]struct{})}
		s.roots[abs] = r
		if _, err := os.Stat(r.path); err != nil {
			s.logger.Debug(context.Background(), "glob base does not exist yet", "pattern", p)
			return nil
		}
		return s.walk(r, r.path, false)
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir():
		r := &root{path: abs, dir: true, dirs: make(map[string]struct{})}
		s.roots[abs] = r
		return s.walk(r, abs, false)
	case err == nil || os.IsNotExist(err):
		r := &root{path: abs, dirs: make(map[string]struct{})}
		s.roots[abs] = r
		if err == nil {
			s.known[abs] = struct{}{}
		}
		parent := filepath.Dir(abs)
		if _, statErr := os.Stat(parent); statErr != nil {
			s.logger.Debug(context.Background(), "parent directory missing, path not watched", "path", abs)
			return nil
		}
		return s.ref(r, parent)
	default:
		return err
	}
}

// walk registers every directory beneath dir with r. When queue is set the
// files found are reported as created.
func (s *Session) walk(r *root, dir string, queue bool) error {
	var watchErr error
	err := walkTree(dir, s.opts.FollowSymlinks, s.ignore.Match, func(path string, isDir bool) {
		if isDir {
			if err := s.ref(r, path); err != nil && watchErr == nil {
				watchErr = err
			}
			return
		}
		if !s.tracked(path) {
			return
		}
		if queue {
			s.queue(path, EventTypeCreated)
			return
		}
		s.known[path] = struct{}{}
	})
	if err != nil {
		return err
	}
	return watchErr
}

func (s *Session) ref(r *root, dir string) error {
	if _, ok := r.dirs[dir]; ok {
		return nil
	}
	r.dirs[dir] = struct{}{}
	s.refs[dir]++
	if s.refs[dir] > 1 {
		return nil
	}
	return s.backend.watch(dir)
}

func (s *Session) unref(r *root, dir string) {
	if _, ok := r.dirs[dir]; !ok {
		return
	}
	delete(r.dirs, dir)
	s.refs[dir]--
	if s.refs[dir] > 0 {
		return
	}
	delete(s.refs, dir)
	// The backend may already have dropped a deleted directory.
	_ = s.backend.unwatch(dir)
}

// Remove stops watching paths previously passed to Add. Unknown paths are
// ignored.
func (s *Session) Remove(paths ...string) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		r, ok := s.roots[abs]
		if !ok {
			continue
		}
		delete(s.roots, abs)
		for dir := range r.dirs {
			s.unref(r, dir)
		}
		for path := range s.known {
			if !s.tracked(path) {
				delete(s.known, path)
			}
		}
	}
	return nil
}

// Next blocks until a batch is ready, the context ends or the session is
// closed. Changes that arrive while the caller is busy are merged into the
// next batch. A backend failure is returned once and is terminal.
func (s *Session) Next(ctx context.Context) (Batch, error) {
	for {
		if s.isClosed() {
			return Batch{}, ErrClosed
		}

		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Batch{}, err
		}
		if len(s.ready) > 0 {
			batch := s.take()
			s.mu.Unlock()
			return batch, nil
		}
		s.mu.Unlock()

		select {
		case <-s.closed:
			return Batch{}, ErrClosed
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close stops the backend. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		if cerr := s.backend.close(); cerr != nil {
			err = errors.WrapWatch(cerr, errors.ErrCodeDispose, "closing file watcher")
		}
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// handle receives raw events from the backend.
func (s *Session) handle(ev ChangeEvent) {
	if s.isClosed() || s.ignore.Match(ev.Path) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Type == EventTypeDeleted {
		if s.dropTree(ev.Path) {
			return
		}
	} else if info, err := os.Stat(ev.Path); err == nil && info.IsDir() {
		if ev.Type == EventTypeCreated {
			s.growTree(ev.Path)
		}
		return
	}

	if !s.tracked(ev.Path) {
		return
	}
	s.queue(ev.Path, ev.Type)
}

// growTree watches a directory that appeared beneath a recursive root and
// reports the files already inside it.
func (s *Session) growTree(dir string) {
	for _, r := range s.roots {
		if !r.dir || !isWithin(r.path, dir) {
			continue
		}
		if err := s.walk(r, dir, true); err != nil {
			s.logger.Warn(context.Background(), err, "watching new directory", "dir", dir)
		}
	}
}

// dropTree forgets a directory that disappeared, reporting its known files
// as removed. It reports whether dir was a watched directory.
func (s *Session) dropTree(dir string) bool {
	if s.refs[dir] == 0 {
		return false
	}
	for path := range s.known {
		if path != dir && isWithin(dir, path) {
			s.queue(path, EventTypeDeleted)
		}
	}
	for _, r := range s.roots {
		for d := range r.dirs {
			if isWithin(dir, d) {
				s.unref(r, d)
			}
		}
	}
	return true
}

func (s *Session) tracked(path string) bool {
	for _, f := range s.opts.Filters {
		if !f(path) {
			return false
		}
	}
	for _, r := range s.roots {
		switch {
		case r.pattern != "":
			if isWithin(r.path, path) {
				if ok, _ := doublestar.Match(r.pattern, filepath.ToSlash(path)); ok {
					return true
				}
			}
		case r.dir:
			if isWithin(r.path, path) {
				return true
			}
		case r.path == path:
			return true
		}
	}
	return false
}

// queue records the first raw event for path in the current window and
// restarts the debounce timer.
func (s *Session) queue(path string, t EventType) {
	if _, ok := s.pending[path]; !ok {
		s.pending[path] = t
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.opts.Debounce, s.flush)
		return
	}
	s.timer.Reset(s.opts.Debounce)
}

// flush classifies the pending window and merges it into the ready batch.
func (s *Session) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 || s.isClosed() {
		return
	}

	for path, first := range s.pending {
		c, ok := s.classify(path, first)
		if !ok {
			continue
		}
		prev, seen := s.ready[path]
		if !seen {
			s.ready[path] = c
			continue
		}
		if merged, keep := merge(prev, c); keep {
			s.ready[path] = merged
		} else {
			delete(s.ready, path)
		}
	}
	clear(s.pending)

	if len(s.ready) > 0 {
		s.signal()
	}
}

// classify compares existence before the window with existence now. A path
// created and deleted inside one window is dropped.
func (s *Session) classify(path string, first EventType) (change, bool) {
	_, known := s.known[path]
	existedBefore := known || first != EventTypeCreated
	_, statErr := os.Stat(path)
	existsNow := statErr == nil

	if existsNow {
		s.known[path] = struct{}{}
	} else {
		delete(s.known, path)
	}

	switch {
	case existsNow && !existedBefore:
		return changeAdded, true
	case existsNow:
		return changeModified, true
	case existedBefore:
		return changeRemoved, true
	default:
		return 0, false
	}
}

// merge folds a newer classification into one not yet consumed.
func merge(prev, next change) (change, bool) {
	switch {
	case prev == changeAdded && next == changeRemoved:
		return 0, false
	case prev == changeAdded:
		return changeAdded, true
	case prev == changeRemoved && next == changeAdded:
		return changeModified, true
	default:
		return next, true
	}
}

func (s *Session) take() Batch {
	var b Batch
	for path, c := range s.ready {
		switch c {
		case changeAdded:
			b.Added = append(b.Added, path)
		case changeModified:
			b.Modified = append(b.Modified, path)
		case changeRemoved:
			b.Removed = append(b.Removed, path)
		}
	}
	clear(s.ready)
	sort.Strings(b.Added)
	sort.Strings(b.Modified)
	sort.Strings(b.Removed)
	return b
}

// fail records a backend error. Only the first is kept.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = errors.WrapWatch(err, errors.ErrCodeWatchBackend, "file watcher failed")
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
