// Package artifact defines the files a build action produces.
//
// An Artifact is either held in memory (bytes plus a content hash) or points
// at a file on disk that is copied verbatim. A Set is everything one build
// action invocation produced, together with its diagnostics and the list of
// input files that should trigger a rebuild when they change.
package artifact

import (
	"path"
	"sort"
	"strings"
)

// Origin says where an artifact's bytes live.
type Origin int

const (
	// OriginMemory artifacts carry their contents and hash.
	OriginMemory Origin = iota
	// OriginDisk artifacts point at an existing file to be copied verbatim.
	OriginDisk
)

// String returns the string representation of the Origin
func (o Origin) String() string {
	switch o {
	case OriginMemory:
		return "memory"
	case OriginDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Kind is the output category of an artifact.
type Kind int

const (
	// KindBrowser files are served to the browser.
	KindBrowser Kind = iota
	// KindMedia files are images, fonts and other media served to the browser.
	KindMedia
	// KindServerApplication files make up the server-side application bundle.
	KindServerApplication
	// KindServerRoot files live at the root of the server output.
	KindServerRoot
	// KindRoot files live at the root of the output directory.
	KindRoot
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindBrowser:
		return "browser"
	case KindMedia:
		return "media"
	case KindServerApplication:
		return "server-application"
	case KindServerRoot:
		return "server-root"
	case KindRoot:
		return "root"
	default:
		return "unknown"
	}
}

// IsServer reports whether the kind belongs to the server bundle.
func (k Kind) IsServer() bool {
	return k == KindServerApplication || k == KindServerRoot
}

// IsBrowser reports whether the kind is served to the browser.
func (k Kind) IsBrowser() bool {
	return k == KindBrowser || k == KindMedia
}

// Artifact is one produced output file.
type Artifact struct {
	Path      string
	Origin    Origin
	Kind      Kind
	Contents  []byte
	Hash      string
	InputPath string
}

// NewMemory creates a memory-origin artifact and hashes its contents.
func NewMemory(p string, kind Kind, contents []byte) Artifact {
	return Artifact{
		Path:     NormalizePath(p),
		Origin:   OriginMemory,
		Kind:     kind,
		Contents: contents,
		Hash:     HashContents(contents),
	}
}

// Text returns the artifact contents as a string.
func (a Artifact) Text() string {
	return string(a.Contents)
}

// Size is the length of the in-memory contents. Disk artifacts report 0.
func (a Artifact) Size() int {
	return len(a.Contents)
}

// AssetFile is a disk file copied into the output unchanged.
type AssetFile struct {
	Source      string
	Destination string
}

// Set is the complete output of one build action invocation.
type Set struct {
	Files      []Artifact
	Assets     []AssetFile
	Errors     []string
	Warnings   []string
	WatchFiles []string

	// ComponentUpdates holds hot update payloads keyed by update id. They are
	// only produced when no file-level change is needed.
	ComponentUpdates map[string]string

	// Cache is owned by the build action and threaded back to it through the
	// rebuild state. The control loop never inspects it.
	Cache any
}

// HasErrors reports whether the build failed.
func (s *Set) HasErrors() bool {
	return s != nil && len(s.Errors) > 0
}

// Lookup finds a memory artifact by path.
func (s *Set) Lookup(p string) (Artifact, bool) {
	p = NormalizePath(p)
	for _, f := range s.Files {
		if f.Path == p {
			return f, true
		}
	}
	return Artifact{}, false
}

// Add appends a memory artifact built from contents.
func (s *Set) Add(p string, kind Kind, contents []byte) {
	s.Files = append(s.Files, NewMemory(p, kind, contents))
}

// OutputHashes maps every memory artifact path to its hash.
func (s *Set) OutputHashes() map[string]string {
	hashes := make(map[string]string, len(s.Files))
	for _, f := range s.Files {
		hashes[f.Path] = f.Hash
	}
	return hashes
}

// OutputKinds maps every memory artifact path to its kind.
func (s *Set) OutputKinds() map[string]Kind {
	kinds := make(map[string]Kind, len(s.Files))
	for _, f := range s.Files {
		kinds[f.Path] = f.Kind
	}
	return kinds
}

// AssetsInfo maps every asset source to its destination.
func (s *Set) AssetsInfo() map[string]string {
	info := make(map[string]string, len(s.Assets))
	for _, a := range s.Assets {
		info[a.Source] = NormalizePath(a.Destination)
	}
	return info
}

// SortedPaths returns the memory artifact paths in lexical order.
func (s *Set) SortedPaths() []string {
	paths := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	return paths
}

// NormalizePath converts p to a clean posix path without a leading slash.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
