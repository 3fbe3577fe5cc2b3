// Package output writes build results to the output directory and keeps an
// in-memory overlay of the current tree.
package output

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/results"
)

// MinCompressSize is the smallest file that gets a .gz sibling.
const MinCompressSize = 1024

var compressible = map[string]bool{
	".js":   true,
	".mjs":  true,
	".css":  true,
	".html": true,
	".json": true,
	".svg":  true,
	".txt":  true,
	".map":  true,
	".xml":  true,
}

// Options configures a Writer.
type Options struct {
	// Dir is the output root.
	Dir string
	// Fs receives the output. Defaults to the OS file system.
	Fs afero.Fs
	// Source reads disk-origin assets. Defaults to the OS file system.
	Source afero.Fs
	// Filter selects which kinds are written. Nil writes everything.
	Filter func(artifact.Kind) bool
	// Precompress writes gzip siblings for text files.
	Precompress bool
	// DeleteRemoved deletes files reported removed by incremental results.
	DeleteRemoved bool
	Logger        logging.Logger
}

// Stats counts what one Apply did.
type Stats struct {
	Written    int
	Compressed int
	Removed    int
}

// Writer applies results to the output directory.
type Writer struct {
	opts   Options
	logger logging.Logger
}

// NewWriter creates a Writer.
func NewWriter(opts Options) *Writer {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Source == nil {
		opts.Source = afero.NewReadOnlyFs(afero.NewOsFs())
	}
	return &Writer{opts: opts, logger: logging.OrNop(opts.Logger).WithComponent("output")}
}

// Apply writes the files of a full or incremental result. Failures and
// component updates leave the output untouched. Every file is attempted;
// the returned error combines the ones that failed.
func (w *Writer) Apply(ctx context.Context, res results.Result) (Stats, error) {
	var stats Stats
	if res.Kind != results.KindFull && res.Kind != results.KindIncremental {
		return stats, nil
	}

	var errs []error
	for _, p := range sortedKeys(res.Files) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		f := res.Files[p]
		if !w.selected(f.Kind) {
			continue
		}
		compressed, err := w.write(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		stats.Written++
		if compressed {
			stats.Compressed++
		}
	}

	if res.Kind == results.KindIncremental && w.opts.DeleteRemoved {
		for _, r := range res.Removed {
			if !w.selected(r.Kind) {
				continue
			}
			if err := w.remove(r.Path); err != nil {
				errs = append(errs, err)
				continue
			}
			stats.Removed++
		}
	}

	err := errors.Combine(errs...)
	if err != nil {
		w.logger.Error(ctx, err, "writing output failed", "dir", w.opts.Dir)
	} else {
		w.logger.Debug(ctx, "output written", "written", stats.Written, "removed", stats.Removed, "compressed", stats.Compressed)
	}
	return stats, err
}

func (w *Writer) selected(kind artifact.Kind) bool {
	return w.opts.Filter == nil || w.opts.Filter(kind)
}

func (w *Writer) destination(p string) string {
	return filepath.Join(w.opts.Dir, filepath.FromSlash(artifact.NormalizePath(p)))
}

func (w *Writer) write(f artifact.Artifact) (bool, error) {
	dst := w.destination(f.Path)
	if err := w.opts.Fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, errors.WrapIO(err, errors.ErrCodeWriteOutput, "creating output directory").WithFile(f.Path)
	}

	contents := f.Contents
	if f.Origin == artifact.OriginDisk {
		var err error
		contents, err = afero.ReadFile(w.opts.Source, f.InputPath)
		if err != nil {
			return false, errors.WrapIO(err, errors.ErrCodeWriteOutput, "reading asset").WithFile(f.InputPath)
		}
	}
	if err := afero.WriteFile(w.opts.Fs, dst, contents, 0o644); err != nil {
		return false, errors.WrapIO(err, errors.ErrCodeWriteOutput, "writing output file").WithFile(f.Path)
	}

	if !w.opts.Precompress || len(contents) < MinCompressSize || !compressible[path.Ext(f.Path)] {
		return false, nil
	}
	if err := w.compress(dst+".gz", contents); err != nil {
		return false, errors.WrapIO(err, errors.ErrCodeWriteOutput, "precompressing output file").WithFile(f.Path)
	}
	return true, nil
}

func (w *Writer) compress(dst string, contents []byte) error {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, bytes.NewReader(contents)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return afero.WriteFile(w.opts.Fs, dst, buf.Bytes(), 0o644)
}

// remove deletes p and its gzip sibling. Files already gone are fine.
func (w *Writer) remove(p string) error {
	dst := w.destination(p)
	for _, name := range []string{dst, dst + ".gz"} {
		if err := w.opts.Fs.Remove(name); err != nil && !os.IsNotExist(err) {
			return errors.WrapIO(err, errors.ErrCodeWriteOutput, "removing output file").WithFile(p)
		}
	}
	return nil
}
