package build

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/results"
	"github.com/conneroisu/buildwatch/internal/watcher"
)

// Action produces one artifact set. It receives nil state on the first
// invocation and a RebuildState on every rebuild; the state is read-only.
// A returned error is reported as a failure result, not as a stream error.
type Action func(ctx context.Context, state *results.RebuildState) (*artifact.Set, error)

// Watcher is the subset of watcher.Session the runner drives.
type Watcher interface {
	Add(paths ...string) error
	Remove(paths ...string) error
	Next(ctx context.Context) (watcher.Batch, error)
	Close() error
}

// Metrics receives build timings. metrics.Recorder satisfies it.
type Metrics interface {
	ObserveBuild(outcome string, duration time.Duration)
	IncRebuilds()
}

// Options configure a Runner.
type Options struct {
	// Watch keeps the runner alive, rebuilding on file changes.
	Watch bool
	// Poll selects the polling watcher with this interval when positive.
	Poll time.Duration
	// Debounce overrides the watcher's quiet period.
	Debounce time.Duration
	// ClearScreen clears the terminal before each rebuild.
	ClearScreen bool
	// Ignored globs are never watched.
	Ignored []string

	ProjectRoot   string
	WorkspaceRoot string
	OutputPath    string
	CachePath     string

	// WatchRoot watches the whole project directory.
	WatchRoot bool
	// PreserveSymlinks keeps node_modules watchable for linked workspaces
	// and stops the watcher from descending symlinked directories.
	PreserveSymlinks bool
	// IncrementalResults enables diffing; otherwise every success is Full.
	IncrementalResults bool
	// Verbose logs each change batch.
	Verbose bool

	// WriteToFileSystemFilter selects which artifact kinds a consumer should
	// persist. Nil accepts every kind.
	WriteToFileSystemFilter func(artifact.Kind) bool

	// Dispose releases resources owned by the action. It runs after the
	// watcher is closed.
	Dispose func() error

	Logger  logging.Logger
	Metrics Metrics
	// Stdout receives the clear screen sequence. Defaults to os.Stdout.
	Stdout io.Writer
	// NewWatcher creates the watch session. Defaults to watcher.NewSession.
	NewWatcher func(watcher.Options) (Watcher, error)
}

// packageManagerFiles trigger a rebuild when dependencies change.
var packageManagerFiles = []string{
	"package.json",
	"package-lock.json",
	"pnpm-lock.yaml",
	"yarn.lock",
	".pnp.cjs",
	".pnp.data.json",
	"go.mod",
	"go.sum",
}

func (o *Options) setDefaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.NewWatcher == nil {
		o.NewWatcher = func(opts watcher.Options) (Watcher, error) {
			return watcher.NewSession(opts)
		}
	}
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = o.ProjectRoot
	}
}

// watcherOptions derives the watch session configuration.
func (o *Options) watcherOptions(logger logging.Logger) watcher.Options {
	ignored := append([]string(nil), o.Ignored...)
	for _, p := range []string{o.OutputPath, o.CachePath} {
		if p != "" {
			ignored = append(ignored, p)
		}
	}
	if o.WorkspaceRoot != "" {
		ignored = append(ignored, filepath.ToSlash(filepath.Join(o.WorkspaceRoot, "**", ".*", "**")))
	}
	if o.WatchRoot && !o.PreserveSymlinks {
		ignored = append(ignored, "**/node_modules/**")
	}

	return watcher.Options{
		Polling:        o.Poll > 0,
		Interval:       o.Poll,
		Debounce:       o.Debounce,
		Ignored:        ignored,
		Filters:        []watcher.FileFilter{watcher.NoEditorTempFilter},
		FollowSymlinks: !o.PreserveSymlinks,
		Logger:         logger,
	}
}

// initialWatchPaths lists what is watched regardless of the action's own
// watch files.
func (o *Options) initialWatchPaths() []string {
	var paths []string
	if o.WatchRoot && o.ProjectRoot != "" {
		paths = append(paths, o.ProjectRoot)
	}
	if o.WorkspaceRoot == "" {
		return paths
	}
	for _, name := range packageManagerFiles {
		p := filepath.Join(o.WorkspaceRoot, name)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}
