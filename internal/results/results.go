// Package results turns build action output into the results a build
// session emits: full snapshots, incremental deltas, component updates and
// failures.
//
// Everything in this package is pure. The previous build's state is always
// passed in explicitly through a RebuildState, never held here.
package results

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conneroisu/buildwatch/internal/artifact"
)

// Kind identifies which variant of Result is active.
type Kind int

const (
	KindFailure Kind = iota
	KindFull
	KindIncremental
	KindComponentUpdate
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindFailure:
		return "failure"
	case KindFull:
		return "full"
	case KindIncremental:
		return "incremental"
	case KindComponentUpdate:
		return "component-update"
	default:
		return "unknown"
	}
}

// RemovedFile is a path that disappeared since the previous build.
type RemovedFile struct {
	Path string
	Kind artifact.Kind
}

// Update is a hot update payload for a single component.
type Update struct {
	Type    string
	ID      string
	Content string
}

// Result is one emitted build result. Exactly one variant is active, named
// by Kind:
//
//   - KindFailure: Errors.
//   - KindFull: Files holds every current artifact.
//   - KindIncremental: Added, Modified and Removed paths; Files holds only
//     the added and modified artifacts; Background is set when the delta can
//     be applied without a hard client reload.
//   - KindComponentUpdate: Updates.
type Result struct {
	Kind     Kind
	BuildID  string
	Errors   []string
	Warnings []string

	Files      map[string]artifact.Artifact
	Added      []string
	Modified   []string
	Removed    []RemovedFile
	Background bool

	Updates []Update
}

// Success reports whether the result is anything but a failure.
func (r Result) Success() bool {
	return r.Kind != KindFailure
}

// Changed returns the added and modified paths.
func (r Result) Changed() []string {
	changed := make([]string, 0, len(r.Added)+len(r.Modified))
	changed = append(changed, r.Added...)
	return append(changed, r.Modified...)
}

// Summary is a one line description used in logs.
func (r Result) Summary() string {
	switch r.Kind {
	case KindFailure:
		return fmt.Sprintf("failure (%d errors)", len(r.Errors))
	case KindFull:
		return fmt.Sprintf("full (%d files)", len(r.Files))
	case KindIncremental:
		return fmt.Sprintf("incremental (+%d ~%d -%d, background=%t)",
			len(r.Added), len(r.Modified), len(r.Removed), r.Background)
	case KindComponentUpdate:
		return fmt.Sprintf("component update (%d updates)", len(r.Updates))
	default:
		return "unknown"
	}
}

// FileChanges is a batch of watcher-reported changes, keyed by absolute path.
type FileChanges struct {
	Added    map[string]struct{}
	Removed  map[string]struct{}
	Modified map[string]struct{}
}

// NewFileChanges builds a FileChanges from path lists.
func NewFileChanges(added, removed, modified []string) FileChanges {
	return FileChanges{
		Added:    toSet(added),
		Removed:  toSet(removed),
		Modified: toSet(modified),
	}
}

func toSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set
}

// IsModified reports whether path was reported modified.
func (c FileChanges) IsModified(path string) bool {
	_, ok := c.Modified[path]
	return ok
}

// Len is the total number of changed paths.
func (c FileChanges) Len() int {
	return len(c.Added) + len(c.Removed) + len(c.Modified)
}

// All returns every changed path, sorted.
func (c FileChanges) All() []string {
	all := make([]string, 0, c.Len())
	for _, set := range []map[string]struct{}{c.Added, c.Removed, c.Modified} {
		for p := range set {
			all = append(all, p)
		}
	}
	sort.Strings(all)
	return all
}

// DebugString lists the batch for verbose logs.
func (c FileChanges) DebugString() string {
	var b strings.Builder
	write := func(label string, set map[string]struct{}) {
		paths := make([]string, 0, len(set))
		for p := range set {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(&b, "%s: %s\n", label, p)
		}
	}
	write("added", c.Added)
	write("modified", c.Modified)
	write("removed", c.Removed)
	return strings.TrimSuffix(b.String(), "\n")
}

// RebuildState is handed to the build action on every re-invocation. It is
// read-only for the action.
type RebuildState struct {
	// PreviousOutputHashes maps memory artifact paths to their hashes.
	PreviousOutputHashes map[string]string
	// PreviousOutputKinds maps memory artifact paths to their kinds so
	// removed files can be reported with the right kind.
	PreviousOutputKinds map[string]artifact.Kind
	// PreviousAssetsInfo maps asset sources to destinations.
	PreviousAssetsInfo map[string]string
	// FileChanges is the watcher batch that triggered the rebuild.
	FileChanges FileChanges
	// Cache is the action's opaque cache from the previous build.
	Cache any
}

// NewRebuildState captures set as the previous state for the next build.
func NewRebuildState(set *artifact.Set, changes FileChanges) *RebuildState {
	return &RebuildState{
		PreviousOutputHashes: set.OutputHashes(),
		PreviousOutputKinds:  set.OutputKinds(),
		PreviousAssetsInfo:   set.AssetsInfo(),
		FileChanges:          changes,
		Cache:                set.Cache,
	}
}
