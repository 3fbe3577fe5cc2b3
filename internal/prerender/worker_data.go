package prerender

import (
	"encoding/base64"
	"io/fs"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/conneroisu/buildwatch/internal/artifact"
)

// sourceMapTrailer precedes the base64 payload appended to server scripts.
const sourceMapTrailer = "\n//# sourceMappingURL=data:application/json;base64,"

// WorkerData is the read-only view of one build handed to every render
// worker. It is built once per Prerender call and never mutated.
type WorkerData struct {
	// OutputFiles holds the server bundle keyed by artifact path. Source
	// maps are already inlined into their scripts.
	OutputFiles map[string][]byte
	// AssetFiles maps browser paths to in-memory contents.
	AssetFiles map[string][]byte
	// DiskAssets maps browser paths to source files copied verbatim.
	DiskAssets map[string]string

	server fs.FS
	assets fs.FS
}

// NewWorkerData partitions set: server kinds become output files, browser
// and media kinds plus disk assets become asset files, everything else is
// left out.
func NewWorkerData(set *artifact.Set) (*WorkerData, error) {
	data := &WorkerData{
		OutputFiles: make(map[string][]byte),
		AssetFiles:  make(map[string][]byte),
		DiskAssets:  make(map[string]string),
	}

	sourceMaps := make(map[string][]byte)
	for _, f := range set.Files {
		switch {
		case f.Kind.IsServer() && path.Ext(f.Path) == ".map":
			sourceMaps[strings.TrimSuffix(f.Path, ".map")] = f.Contents
		case f.Kind.IsServer():
			data.OutputFiles[f.Path] = f.Contents
		case f.Kind.IsBrowser():
			data.AssetFiles[f.Path] = f.Contents
		}
	}
	for script, sourceMap := range sourceMaps {
		if contents, ok := data.OutputFiles[script]; ok {
			data.OutputFiles[script] = InlineSourceMap(contents, sourceMap)
		}
	}
	for _, a := range set.Assets {
		data.DiskAssets[artifact.NormalizePath(a.Destination)] = a.Source
	}

	server, err := memoryFS(data.OutputFiles)
	if err != nil {
		return nil, err
	}
	assets, err := memoryFS(data.AssetFiles)
	if err != nil {
		return nil, err
	}
	data.server = server
	data.assets = &assetFS{memory: assets, disk: data.DiskAssets, os: afero.NewReadOnlyFs(afero.NewOsFs())}
	return data, nil
}

// InlineSourceMap appends sourceMap to script as a data URL comment.
func InlineSourceMap(script, sourceMap []byte) []byte {
	out := make([]byte, 0, len(script)+len(sourceMapTrailer)+base64.StdEncoding.EncodedLen(len(sourceMap)))
	out = append(out, script...)
	out = append(out, sourceMapTrailer...)
	return base64.StdEncoding.AppendEncode(out, sourceMap)
}

// ServerFS exposes the server bundle. Paths are artifact paths without a
// leading slash.
func (d *WorkerData) ServerFS() fs.FS {
	return d.server
}

// AssetFS exposes browser assets, memory and disk alike, by browser path.
func (d *WorkerData) AssetFS() fs.FS {
	return d.assets
}

// memoryFS loads files into a read-only in-memory file system.
func memoryFS(files map[string][]byte) (fs.FS, error) {
	mem := afero.NewMemMapFs()
	for p, contents := range files {
		if err := afero.WriteFile(mem, "/"+p, contents, 0o444); err != nil {
			return nil, err
		}
	}
	return afero.NewIOFS(afero.NewBasePathFs(afero.NewReadOnlyFs(mem), "/")), nil
}

// assetFS resolves memory assets first, then disk assets by their source.
// Any other path does not exist.
type assetFS struct {
	memory fs.FS
	disk   map[string]string
	os     afero.Fs
}

func (a *assetFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if f, err := a.memory.Open(name); err == nil {
		return f, nil
	}
	source, ok := a.disk[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return a.os.Open(source)
}
