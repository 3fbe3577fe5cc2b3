package results

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/errors"
)

// backgroundSafe matches files a client can swap without a hard reload:
// script bundles and their source maps.
var backgroundSafe = regexp.MustCompile(`(?:\.m?js|\.map)$`)

// IsBackgroundSafe reports whether a change to path can be applied as a
// background update.
func IsBackgroundSafe(path string) bool {
	return backgroundSafe.MatchString(path)
}

// Emit converts a build action's output into the results to publish.
//
// A set with errors yields a single failure. Component updates, if any, are
// emitted first. With a nil state every artifact is emitted as a full result;
// otherwise the set is diffed against state.
//
// Emit never panics: a failure while diffing becomes a failure result for
// this cycle only.
func Emit(set *artifact.Set, state *RebuildState) (out []Result) {
	if set == nil {
		return []Result{failure([]string{"build action produced no output"}, nil)}
	}
	if set.HasErrors() {
		return []Result{failure(set.Errors, set.Warnings)}
	}

	defer func() {
		if r := recover(); r != nil {
			err := errors.NewInternalError(errors.ErrCodeDiff, "computing build delta", fmt.Errorf("%v", r))
			out = []Result{failure([]string{err.Error()}, set.Warnings)}
		}
	}()

	if err := validate(set); err != nil {
		return []Result{failure([]string{err.Error()}, set.Warnings)}
	}

	hasUpdates := len(set.ComponentUpdates) > 0
	if hasUpdates {
		out = append(out, componentUpdate(set.ComponentUpdates))
	}

	if state != nil {
		return append(out, Diff(set, state, hasUpdates))
	}
	return append(out, Full(set))
}

func failure(errs, warnings []string) Result {
	return Result{
		Kind:     KindFailure,
		Errors:   append([]string(nil), errs...),
		Warnings: append([]string(nil), warnings...),
	}
}

func componentUpdate(updates map[string]string) Result {
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := Result{Kind: KindComponentUpdate, Updates: make([]Update, 0, len(ids))}
	for _, id := range ids {
		result.Updates = append(result.Updates, Update{Type: "template", ID: id, Content: updates[id]})
	}
	return result
}

// validate rejects sets that cannot be diffed: duplicate output paths would
// make the previous-hash map ambiguous.
func validate(set *artifact.Set) error {
	seen := make(map[string]struct{}, len(set.Files))
	for _, f := range set.Files {
		if f.Origin != artifact.OriginMemory {
			return errors.NewBuildError(errors.ErrCodeDiff,
				fmt.Sprintf("output %q must be memory-origin; copy disk files as assets", f.Path), nil)
		}
		if _, dup := seen[f.Path]; dup {
			return errors.NewBuildError(errors.ErrCodeDiff,
				fmt.Sprintf("duplicate output path %q", f.Path), nil)
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// Full returns a full result holding every artifact in set. Assets are
// applied after outputs so an asset wins a shared destination.
func Full(set *artifact.Set) Result {
	result := Result{
		Kind:     KindFull,
		Warnings: append([]string(nil), set.Warnings...),
		Files:    make(map[string]artifact.Artifact, len(set.Files)+len(set.Assets)),
	}
	for _, f := range set.Files {
		result.Files[f.Path] = withHash(f)
	}
	for _, a := range set.Assets {
		dest := artifact.NormalizePath(a.Destination)
		result.Files[dest] = diskFile(dest, a.Source)
	}
	return result
}

type class int

const (
	classUnchanged class = iota
	classAdded
	classModified
)

// Diff computes the incremental result of set against state. Outputs are
// classified by hash; assets by source membership and the watcher's
// modified set. Assets are processed after outputs, so for a destination
// claimed by both the asset classification is the one reported.
func Diff(set *artifact.Set, state *RebuildState, hasUpdates bool) Result {
	result := Result{
		Kind:     KindIncremental,
		Warnings: append([]string(nil), set.Warnings...),
		Files:    make(map[string]artifact.Artifact),
	}

	previousAssetDests := make(map[string]struct{}, len(state.PreviousAssetsInfo))
	for _, dest := range state.PreviousAssetsInfo {
		previousAssetDests[artifact.NormalizePath(dest)] = struct{}{}
	}

	classes := make(map[string]class)
	var order []string
	classify := func(path string, c class, file artifact.Artifact) {
		if _, seen := classes[path]; !seen {
			order = append(order, path)
		}
		classes[path] = c
		if c == classUnchanged {
			delete(result.Files, path)
			return
		}
		result.Files[path] = file
	}

	for _, f := range set.Files {
		f = withHash(f)
		previousHash, existed := state.PreviousOutputHashes[f.Path]
		_, wasAsset := previousAssetDests[f.Path]
		switch {
		case !existed && !wasAsset:
			classify(f.Path, classAdded, f)
		case !existed || previousHash != f.Hash:
			classify(f.Path, classModified, f)
		default:
			classify(f.Path, classUnchanged, f)
		}
	}

	for _, a := range set.Assets {
		dest := artifact.NormalizePath(a.Destination)
		file := diskFile(dest, a.Source)
		_, trackedSource := state.PreviousAssetsInfo[a.Source]
		_, wasOutput := state.PreviousOutputHashes[dest]
		switch {
		case !trackedSource && !wasOutput:
			classify(dest, classAdded, file)
		case !trackedSource || state.FileChanges.IsModified(a.Source):
			classify(dest, classModified, file)
		default:
			classify(dest, classUnchanged, file)
		}
	}

	for _, path := range order {
		switch classes[path] {
		case classAdded:
			result.Added = append(result.Added, path)
		case classModified:
			result.Modified = append(result.Modified, path)
		}
	}

	for path := range state.PreviousOutputHashes {
		if _, present := classes[path]; present {
			continue
		}
		result.Removed = append(result.Removed, RemovedFile{Path: path, Kind: state.PreviousOutputKinds[path]})
	}
	for _, dest := range state.PreviousAssetsInfo {
		dest = artifact.NormalizePath(dest)
		if _, present := classes[dest]; present {
			continue
		}
		if _, alsoOutput := state.PreviousOutputHashes[dest]; alsoOutput {
			continue
		}
		result.Removed = append(result.Removed, RemovedFile{Path: dest, Kind: artifact.KindBrowser})
	}
	sort.Slice(result.Removed, func(i, j int) bool { return result.Removed[i].Path < result.Removed[j].Path })

	result.Background = backgroundFor(result, hasUpdates)
	return result
}

// backgroundFor decides whether the delta can be applied without a hard
// reload. Component updates are self-sufficient; beyond that only script
// and source map changes qualify, and any other change forces a reload.
func backgroundFor(result Result, hasUpdates bool) bool {
	changed := result.Changed()
	background := hasUpdates || len(changed) > 0
	for _, path := range changed {
		if !IsBackgroundSafe(path) {
			return false
		}
	}
	return background
}

func withHash(f artifact.Artifact) artifact.Artifact {
	if f.Origin == artifact.OriginMemory && f.Hash == "" {
		f.Hash = artifact.HashContents(f.Contents)
	}
	return f
}

func diskFile(dest, source string) artifact.Artifact {
	return artifact.Artifact{
		Path:      dest,
		Origin:    artifact.OriginDisk,
		Kind:      artifact.KindBrowser,
		InputPath: source,
	}
}
