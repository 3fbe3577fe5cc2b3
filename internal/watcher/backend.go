package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend forwards native notifications. Directories are watched
// individually; recursion is handled by the session.
type fsnotifyBackend struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newFsnotifyBackend(emit func(ChangeEvent), fail func(error)) (*fsnotifyBackend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &fsnotifyBackend{watcher: w, done: make(chan struct{})}
	go b.loop(emit, fail)
	return b, nil
}

func (b *fsnotifyBackend) loop(emit func(ChangeEvent), fail func(error)) {
	defer close(b.done)
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := translate(event); ok {
				emit(ev)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			fail(err)
		}
	}
}

// translate maps fsnotify ops onto event types. Permission changes are
// dropped; a rename reports the old name, which no longer exists.
func translate(event fsnotify.Event) (ChangeEvent, bool) {
	var t EventType
	switch {
	case event.Has(fsnotify.Create):
		t = EventTypeCreated
	case event.Has(fsnotify.Write):
		t = EventTypeModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		t = EventTypeDeleted
	default:
		return ChangeEvent{}, false
	}
	return ChangeEvent{Type: t, Path: filepath.Clean(event.Name)}, true
}

func (b *fsnotifyBackend) watch(dir string) error {
	return b.watcher.Add(dir)
}

func (b *fsnotifyBackend) unwatch(dir string) error {
	return b.watcher.Remove(dir)
}

func (b *fsnotifyBackend) close() error {
	err := b.watcher.Close()
	<-b.done
	return err
}

// entryState is what the polling backend compares between scans.
type entryState struct {
	modTime time.Time
	size    int64
	dir     bool
}

// pollBackend rescans each watched directory on a fixed interval. It is used
// on file systems where native notifications are unavailable.
type pollBackend struct {
	emit func(ChangeEvent)

	mu   sync.Mutex
	dirs map[string]map[string]entryState

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPollBackend(interval time.Duration, emit func(ChangeEvent)) *pollBackend {
	p := &pollBackend{
		emit: emit,
		dirs: make(map[string]map[string]entryState),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.loop(interval)
	return p
}

func (p *pollBackend) loop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *pollBackend) watch(dir string) error {
	snap, err := snapshot(dir)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.dirs[dir]; !ok {
		p.dirs[dir] = snap
	}
	return nil
}

func (p *pollBackend) unwatch(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dirs, dir)
	return nil
}

func (p *pollBackend) close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

// poll diffs every directory against its last snapshot. Events are emitted
// without holding the lock since the session may call back into watch.
func (p *pollBackend) poll() {
	p.mu.Lock()
	dirs := make([]string, 0, len(p.dirs))
	for dir := range p.dirs {
		dirs = append(dirs, dir)
	}
	p.mu.Unlock()

	var events []ChangeEvent
	for _, dir := range dirs {
		snap, err := snapshot(dir)

		p.mu.Lock()
		prev, ok := p.dirs[dir]
		if !ok {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			delete(p.dirs, dir)
			p.mu.Unlock()
			events = append(events, ChangeEvent{Type: EventTypeDeleted, Path: dir})
			continue
		}
		p.dirs[dir] = snap
		p.mu.Unlock()

		for name, st := range snap {
			old, had := prev[name]
			path := filepath.Join(dir, name)
			switch {
			case !had:
				events = append(events, ChangeEvent{Type: EventTypeCreated, Path: path})
			case old.dir != st.dir:
				events = append(events, ChangeEvent{Type: EventTypeDeleted, Path: path},
					ChangeEvent{Type: EventTypeCreated, Path: path})
			case !st.dir && (!old.modTime.Equal(st.modTime) || old.size != st.size):
				events = append(events, ChangeEvent{Type: EventTypeModified, Path: path})
			}
		}
		for name := range prev {
			if _, still := snap[name]; !still {
				events = append(events, ChangeEvent{Type: EventTypeDeleted, Path: filepath.Join(dir, name)})
			}
		}
	}

	for _, ev := range events {
		p.emit(ev)
	}
}

func snapshot(dir string) (map[string]entryState, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]entryState, len(entries))
	for _, entry := range entries {
		info, err := os.Stat(filepath.Join(dir, entry.Name()))
		if err != nil {
			// Dangling symlink or a file removed mid-scan.
			continue
		}
		snap[entry.Name()] = entryState{modTime: info.ModTime(), size: info.Size(), dir: info.IsDir()}
	}
	return snap, nil
}

// walkTree visits root and every file and directory beneath it, skipping
// ignored paths. Symlinked directories are descended only with follow, and
// each real directory is visited once. Errors below root are skipped.
func walkTree(root string, follow bool, ignored func(string) bool, visit func(path string, isDir bool)) error {
	seen := make(map[string]struct{})

	var walk func(dir string) error
	walk = func(dir string) error {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			if _, dup := seen[real]; dup {
				return nil
			}
			seen[real] = struct{}{}
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		visit(dir, true)

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if ignored(path) {
				continue
			}
			isDir := entry.IsDir()
			if entry.Type()&fs.ModeSymlink != 0 {
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				isDir = info.IsDir()
				if isDir && !follow {
					continue
				}
			}
			if isDir {
				_ = walk(path)
				continue
			}
			visit(path, false)
		}
		return nil
	}
	return walk(root)
}
