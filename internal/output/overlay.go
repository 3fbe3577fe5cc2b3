package output

import (
	"sort"
	"sync"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/results"
)

// Overlay tracks the complete current output by applying full results and
// incremental deltas in order.
type Overlay struct {
	mu    sync.RWMutex
	files map[string]artifact.Artifact
	ready bool
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{files: make(map[string]artifact.Artifact)}
}

// Apply folds res into the overlay. A full result replaces everything;
// failures and component updates change nothing.
func (o *Overlay) Apply(res results.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch res.Kind {
	case results.KindFull:
		o.files = make(map[string]artifact.Artifact, len(res.Files))
		for p, f := range res.Files {
			o.files[p] = f
		}
		o.ready = true
	case results.KindIncremental:
		for _, r := range res.Removed {
			delete(o.files, r.Path)
		}
		for p, f := range res.Files {
			o.files[p] = f
		}
	}
}

// Ready reports whether a full result has been applied.
func (o *Overlay) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ready
}

// Get returns the current artifact at p.
func (o *Overlay) Get(p string) (artifact.Artifact, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	f, ok := o.files[artifact.NormalizePath(p)]
	return f, ok
}

// Len returns the number of tracked files.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.files)
}

// Set rebuilds an artifact set from the current tree. Disk-origin entries
// become assets.
func (o *Overlay) Set() *artifact.Set {
	o.mu.RLock()
	defer o.mu.RUnlock()

	set := &artifact.Set{}
	for _, p := range sortedKeys(o.files) {
		f := o.files[p]
		if f.Origin == artifact.OriginDisk {
			set.Assets = append(set.Assets, artifact.AssetFile{Source: f.InputPath, Destination: p})
			continue
		}
		set.Files = append(set.Files, f)
	}
	return set
}

func sortedKeys(files map[string]artifact.Artifact) []string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
