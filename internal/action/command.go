// Package action provides the build action that runs an external build
// command and turns its output directory into an artifact set.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/budget"
	"github.com/conneroisu/buildwatch/internal/cache"
	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/results"
	"github.com/conneroisu/buildwatch/internal/validation"
)

const (
	// EnvOutputDir tells the build command where to write.
	EnvOutputDir = "BUILDWATCH_OUTPUT_DIR"
	// EnvChangedFiles lists the files that triggered a rebuild, separated
	// by the OS path list separator. Unset on the first build.
	EnvChangedFiles = "BUILDWATCH_CHANGED_FILES"
	// ComponentUpdatesFile is read from the output root as a JSON object of
	// update id to payload. It is never emitted as an artifact.
	ComponentUpdatesFile = ".component-updates.json"

	hashCacheSize = 4096
)

// AssetGlob copies files matching Glob under Input to Output.
type AssetGlob struct {
	Input  string `mapstructure:"input"`
	Glob   string `mapstructure:"glob"`
	Output string `mapstructure:"output"`
}

// Config configures a Command.
type Config struct {
	// Command is the argv of the build command.
	Command []string
	// Dir is the working directory; globs are relative to it.
	Dir string
	// OutputDir receives the command output and is emptied before every
	// run. A temporary directory is used when empty and removed by Dispose.
	OutputDir string
	Env       []string

	ServerPrefix    string
	MediaPrefix     string
	ServerRootFiles []string
	RootFiles       []string

	Assets     []AssetGlob
	WatchGlobs []string
	Budgets    []budget.Budget

	// Stdout receives the command output as it runs. Nil discards it
	// unless the command fails.
	Stdout io.Writer
	Logger logging.Logger
}

// Command is a build action backed by an external process.
type Command struct {
	cfg     Config
	fs      afero.Fs
	tempDir bool
	logger  logging.Logger
}

// New validates cfg and creates a Command.
func New(cfg Config) (*Command, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "build command is empty")
	}
	if err := validation.ValidateCommandLine(cfg.Command); err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid build command")
	}
	for _, b := range cfg.Budgets {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.ServerPrefix == "" {
		cfg.ServerPrefix = "server/"
	}
	if cfg.MediaPrefix == "" {
		cfg.MediaPrefix = "media/"
	}
	if cfg.ServerRootFiles == nil {
		cfg.ServerRootFiles = []string{"server.mjs"}
	}
	if cfg.RootFiles == nil {
		cfg.RootFiles = []string{"prerendered-routes.json", "3rdpartylicenses.txt"}
	}

	c := &Command{cfg: cfg, fs: afero.NewOsFs(), logger: logging.OrNop(cfg.Logger).WithComponent("action")}
	if c.cfg.OutputDir == "" {
		dir, err := os.MkdirTemp("", "buildwatch-out-")
		if err != nil {
			return nil, errors.WrapIO(err, errors.ErrCodeConfigInvalid, "creating output directory")
		}
		c.cfg.OutputDir = dir
		c.tempDir = true
	}
	return c, nil
}

// OutputDir returns the directory the command writes to.
func (c *Command) OutputDir() string {
	return c.cfg.OutputDir
}

// Run executes the command and snapshots its output. It has the shape of a
// build action. Command failures are reported in the set; only snapshot I/O
// problems are returned as errors.
func (c *Command) Run(ctx context.Context, state *results.RebuildState) (*artifact.Set, error) {
	hashes := c.hashCache(state)
	set := &artifact.Set{Cache: hashes}

	if err := c.resetOutput(); err != nil {
		return nil, err
	}

	watch, err := c.expandGlobs(c.cfg.WatchGlobs)
	if err != nil {
		set.Errors = append(set.Errors, err.Error())
		return set, nil
	}
	set.WatchFiles = watch

	if err := c.exec(ctx, state); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		set.Errors = append(set.Errors, err.Error())
		return set, nil
	}

	if err := c.snapshot(set, hashes); err != nil {
		return nil, err
	}
	if err := c.collectAssets(set); err != nil {
		set.Errors = append(set.Errors, err.Error())
		return set, nil
	}
	budget.Apply(c.cfg.Budgets, set)
	return set, nil
}

// resetOutput empties the output directory so every snapshot holds only
// what the latest command run produced.
func (c *Command) resetOutput() error {
	dir := c.cfg.OutputDir
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapIO(err, errors.ErrCodeActionFailed, "creating output directory").WithFile(dir)
	}
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return errors.WrapIO(err, errors.ErrCodeActionFailed, "reading output directory").WithFile(dir)
	}
	for _, e := range entries {
		if err := c.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errors.WrapIO(err, errors.ErrCodeActionFailed, "clearing output directory").WithFile(dir)
		}
	}
	return nil
}

// Dispose removes a temporary output directory.
func (c *Command) Dispose() error {
	if !c.tempDir {
		return nil
	}
	return c.fs.RemoveAll(c.cfg.OutputDir)
}

func (c *Command) hashCache(state *results.RebuildState) *cache.HashCache {
	if state != nil {
		if hashes, ok := state.Cache.(*cache.HashCache); ok {
			return hashes
		}
	}
	return cache.NewHashCache(hashCacheSize)
}

func (c *Command) exec(ctx context.Context, state *results.RebuildState) error {
	cmd := exec.CommandContext(ctx, c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env, EnvOutputDir+"="+c.cfg.OutputDir)
	if state != nil && state.FileChanges.Len() > 0 {
		cmd.Env = append(cmd.Env, EnvChangedFiles+"="+strings.Join(state.FileChanges.All(), string(os.PathListSeparator)))
	}

	var captured bytes.Buffer
	if c.cfg.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&captured, c.cfg.Stdout)
	} else {
		cmd.Stdout = &captured
	}
	cmd.Stderr = cmd.Stdout

	c.logger.Debug(ctx, "running build command", "command", strings.Join(c.cfg.Command, " "), "dir", c.cfg.Dir)
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(captured.String())
		if output == "" {
			return fmt.Errorf("build command failed: %w", err)
		}
		return fmt.Errorf("build command failed: %w\n%s", err, output)
	}
	return nil
}

// kind classifies an output path.
func (c *Command) kind(p string) artifact.Kind {
	for _, f := range c.cfg.RootFiles {
		if p == f {
			return artifact.KindRoot
		}
	}
	for _, f := range c.cfg.ServerRootFiles {
		if p == f {
			return artifact.KindServerRoot
		}
	}
	switch {
	case strings.HasPrefix(p, c.cfg.ServerPrefix):
		return artifact.KindServerApplication
	case strings.HasPrefix(p, c.cfg.MediaPrefix):
		return artifact.KindMedia
	default:
		return artifact.KindBrowser
	}
}

// snapshot reads every file of the output directory into set. Hashes of
// files whose metadata did not change come from hashes.
func (c *Command) snapshot(set *artifact.Set, hashes *cache.HashCache) error {
	root := c.cfg.OutputDir
	err := afero.Walk(c.fs, root, func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, name)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		contents, err := afero.ReadFile(c.fs, name)
		if err != nil {
			return err
		}
		if rel == ComponentUpdatesFile {
			updates := make(map[string]string)
			if err := json.Unmarshal(contents, &updates); err != nil {
				return fmt.Errorf("parsing %s: %w", ComponentUpdatesFile, err)
			}
			if len(updates) > 0 {
				set.ComponentUpdates = updates
			}
			return c.fs.Remove(name)
		}

		key := cache.MetadataKey(name, info)
		hash, ok := hashes.Get(key)
		if !ok {
			hash = artifact.HashContents(contents)
			hashes.Set(key, hash)
		}
		set.Files = append(set.Files, artifact.Artifact{
			Path:     artifact.NormalizePath(rel),
			Origin:   artifact.OriginMemory,
			Kind:     c.kind(rel),
			Contents: contents,
			Hash:     hash,
		})
		return nil
	})
	if err != nil {
		return errors.WrapIO(err, errors.ErrCodeActionFailed, "reading build output").WithFile(root)
	}
	sort.Slice(set.Files, func(i, j int) bool { return set.Files[i].Path < set.Files[j].Path })
	return nil
}

// collectAssets expands asset globs into disk-origin assets. Asset sources
// are watched too.
func (c *Command) collectAssets(set *artifact.Set) error {
	for _, a := range c.cfg.Assets {
		input := c.abs(a.Input)
		matches, err := doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(c.fs, input)), a.Glob, doublestar.WithFilesOnly())
		if err != nil {
			return fmt.Errorf("expanding asset glob %q: %w", a.Glob, err)
		}
		for _, m := range matches {
			source := filepath.Join(input, filepath.FromSlash(m))
			set.Assets = append(set.Assets, artifact.AssetFile{
				Source:      source,
				Destination: artifact.NormalizePath(path.Join(a.Output, m)),
			})
			set.WatchFiles = append(set.WatchFiles, source)
		}
	}
	return nil
}

// expandGlobs resolves watch globs relative to Dir into absolute file
// paths. Plain paths are kept even when they do not exist yet.
func (c *Command) expandGlobs(globs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	dir := c.abs(".")
	fsys := afero.NewIOFS(afero.NewBasePathFs(c.fs, dir))
	for _, g := range globs {
		if filepath.IsAbs(g) {
			add(filepath.Clean(g))
			continue
		}
		pattern := filepath.ToSlash(g)
		if !strings.ContainsAny(pattern, "*?[{") {
			add(filepath.Join(dir, filepath.FromSlash(pattern)))
			continue
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding watch glob %q: %w", g, err)
		}
		for _, m := range matches {
			add(filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	sort.Strings(out)
	return out, nil
}

// abs resolves p against Dir.
func (c *Command) abs(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.cfg.Dir, p)
	}
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
