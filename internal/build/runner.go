// Package build drives an opaque build action: one initial build, then, in
// watch mode, a rebuild per debounced batch of file changes.
//
// Runner.Run returns a lazy sequence of results. Nothing happens until the
// consumer starts ranging, exactly one result is produced per step, and the
// next rebuild never starts before the consumer asks for it.
package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/results"
	"github.com/conneroisu/buildwatch/internal/watcher"
)

// clearScreen resets the terminal.
const clearScreen = "\x1bc"

// Runner owns the build loop for one action.
type Runner struct {
	// action produces artifact sets
	action Action
	// opts carries watch and output configuration
	opts Options
	// logger is scoped to the runner component
	logger logging.Logger
	// stats tracks in-process build counts for status output
	stats *BuildMetrics
}

// NewRunner creates a runner for action.
func NewRunner(action Action, opts Options) *Runner {
	opts.setDefaults()
	return &Runner{
		action: action,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).WithComponent("runner"),
		stats:  NewBuildMetrics(),
	}
}

// Stats returns a snapshot of build counts.
func (r *Runner) Stats() BuildMetrics {
	return r.stats.GetSnapshot()
}

// ShouldWrite reports whether artifacts of kind should be persisted by the
// consumer.
func (r *Runner) ShouldWrite(kind artifact.Kind) bool {
	if r.opts.WriteToFileSystemFilter == nil {
		return true
	}
	return r.opts.WriteToFileSystemFilter(kind)
}

// Run returns the result sequence. Without watch mode it yields the results
// of a single build. In watch mode it continues until ctx is cancelled or
// the watcher closes. Setup and disposal failures are yielded as a final
// (zero Result, error) pair; build failures are ordinary failure results.
func (r *Runner) Run(ctx context.Context) iter.Seq2[results.Result, error] {
	return func(yield func(results.Result, error) bool) {
		loop := &loop{Runner: r, yield: yield}
		loop.run(ctx)
	}
}

// loop holds the state of one Run.
type loop struct {
	*Runner
	yield   func(results.Result, error) bool
	stopped bool

	disposals DisposalStack
	watcher   Watcher
	// watched holds the action-declared watch files currently registered.
	watched map[string]struct{}
	// last is the most recent successful artifact set.
	last *artifact.Set
}

func (l *loop) emit(res results.Result, err error) bool {
	if l.stopped {
		return false
	}
	if !l.yield(res, err) {
		l.stopped = true
	}
	return !l.stopped
}

func (l *loop) run(ctx context.Context) {
	if l.opts.Dispose != nil {
		l.disposals.Push("build action", l.opts.Dispose)
	}
	defer func() {
		if err := l.disposals.Dispose(); err != nil {
			l.logger.Error(ctx, err, "teardown failed")
			l.emit(results.Result{}, err)
		}
	}()

	// The first build runs before any watcher exists, but the watcher is
	// armed before its results are yielded so changes made by the consumer
	// while handling them trigger a rebuild.
	set, out := l.build(ctx, nil)
	if l.opts.Watch {
		if err := l.startWatching(ctx, set); err != nil {
			l.logger.Error(ctx, err, "watch setup failed")
			if l.publish(ctx, out) {
				l.emit(results.Result{}, err)
			}
			return
		}
	}
	if !l.publish(ctx, out) || !l.opts.Watch {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := l.watcher.Next(ctx)
		if err != nil {
			if stderrors.Is(err, watcher.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.emit(results.Result{}, err)
			return
		}

		if l.opts.ClearScreen {
			fmt.Fprint(l.opts.Stdout, clearScreen)
		}

		changes := results.NewFileChanges(batch.Added, batch.Removed, batch.Modified)
		if l.opts.Verbose {
			l.logger.Debug(ctx, "file changes detected", "changes", changes.DebugString())
		}
		l.forget(ctx, batch.Removed)

		if l.opts.Metrics != nil {
			l.opts.Metrics.IncRebuilds()
		}
		if _, out := l.build(ctx, l.rebuildState(changes)); !l.publish(ctx, out) {
			return
		}
	}
}

// build invokes the action and records its outcome without yielding. It
// returns the set to seed the watch set with (nil unless the build
// succeeded, except that a failed first build still carries its watch
// files) and the results to publish.
func (l *loop) build(ctx context.Context, state *results.RebuildState) (*artifact.Set, []results.Result) {
	perf := logging.StartOperation(l.logger, "build")
	first := state == nil

	set, err := l.invoke(ctx, state)

	var out []results.Result
	if err != nil {
		out = []results.Result{{Kind: results.KindFailure, Errors: []string{err.Error()}}}
	} else {
		var diffState *results.RebuildState
		if l.opts.IncrementalResults && l.last != nil {
			diffState = state
		}
		out = results.Emit(set, diffState)
	}

	duration := perf.Elapsed()
	buildID := uuid.NewString()
	final := out[len(out)-1]
	l.stats.RecordBuild(final.Kind, duration)
	if l.opts.Metrics != nil {
		l.opts.Metrics.ObserveBuild(final.Kind.String(), duration)
	}
	if final.Success() {
		perf.End(ctx)
	} else {
		perf.EndWithError(ctx, stderrors.New(final.Summary()))
	}
	for i := range out {
		out[i].BuildID = buildID
		l.logger.Info(ctx, "build result", "build_id", buildID, "result", out[i].Summary(), "duration", duration)
	}

	switch {
	case set == nil:
		return nil, out
	case final.Success():
		l.last = set
		if l.watcher != nil {
			l.syncWatchFiles(ctx, set.WatchFiles)
		}
		return set, out
	case first:
		return set, out
	}
	return nil, out
}

// publish yields out in order and reports whether the consumer wants more.
func (l *loop) publish(_ context.Context, out []results.Result) bool {
	for _, res := range out {
		if !l.emit(res, nil) {
			return false
		}
	}
	return true
}

// invoke runs the action, converting a panic into an error.
func (l *loop) invoke(ctx context.Context, state *results.RebuildState) (set *artifact.Set, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(errors.ErrCodeActionPanicked, "build action panicked", fmt.Errorf("%v", r))
		}
	}()
	set, err = l.action(ctx, state)
	if err != nil {
		return nil, errors.WrapBuild(err, errors.ErrCodeActionFailed, "build action failed")
	}
	return set, nil
}

// rebuildState hands the action the last successful build and the batch.
// Before any success there is nothing to diff against, so only the changes
// are carried.
func (l *loop) rebuildState(changes results.FileChanges) *results.RebuildState {
	if l.last == nil {
		return &results.RebuildState{FileChanges: changes}
	}
	return results.NewRebuildState(l.last, changes)
}

func (l *loop) startWatching(ctx context.Context, set *artifact.Set) error {
	w, err := l.opts.NewWatcher(l.opts.watcherOptions(l.logger))
	if err != nil {
		return errors.WrapWatch(err, errors.ErrCodeWatchSetup, "creating watcher")
	}
	l.watcher = w
	l.watched = make(map[string]struct{})
	l.disposals.Push("watcher", w.Close)

	stop := context.AfterFunc(ctx, func() { _ = w.Close() })
	l.disposals.Push("cancellation hook", func() error {
		stop()
		return nil
	})

	if err := w.Add(l.opts.initialWatchPaths()...); err != nil {
		return errors.WrapWatch(err, errors.ErrCodeWatchSetup, "watching project files")
	}
	if set != nil {
		l.syncWatchFiles(ctx, set.WatchFiles)
	}
	l.logger.Info(ctx, "watching for changes", "files", len(l.watched))
	return nil
}

// syncWatchFiles makes the registered action watch files equal files.
func (l *loop) syncWatchFiles(ctx context.Context, files []string) {
	next := make(map[string]struct{}, len(files))
	var added []string
	for _, f := range files {
		f = l.absolute(f)
		next[f] = struct{}{}
		if _, ok := l.watched[f]; !ok {
			added = append(added, f)
		}
	}
	var stale []string
	for f := range l.watched {
		if _, ok := next[f]; !ok {
			stale = append(stale, f)
		}
	}
	sort.Strings(added)
	sort.Strings(stale)

	if len(stale) > 0 {
		if err := l.watcher.Remove(stale...); err != nil {
			l.logger.Warn(ctx, err, "unwatching stale files")
		}
	}
	if len(added) > 0 {
		if err := l.watcher.Add(added...); err != nil {
			l.logger.Warn(ctx, err, "watching new files")
		}
	}
	l.watched = next
}

// forget drops removed inputs from the watch set.
func (l *loop) forget(ctx context.Context, removed []string) {
	var drop []string
	for _, p := range removed {
		if _, ok := l.watched[p]; ok {
			delete(l.watched, p)
			drop = append(drop, p)
		}
	}
	if len(drop) == 0 {
		return
	}
	if err := l.watcher.Remove(drop...); err != nil {
		l.logger.Warn(ctx, err, "unwatching removed files")
	}
}

func (l *loop) absolute(p string) string {
	if filepath.IsAbs(p) || l.opts.ProjectRoot == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(l.opts.ProjectRoot, p)
}
