package action

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/budget"
	"github.com/conneroisu/buildwatch/internal/cache"
	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/results"
)

const buildScript = `#!/bin/sh
out="$BUILDWATCH_OUTPUT_DIR"
mkdir -p "$out/server" "$out/media"
printf 'boot()' > "$out/main.js"
printf 'render()' > "$out/server/main.js"
printf 'export {}' > "$out/server.mjs"
printf 'png' > "$out/media/logo.png"
printf '{"routes":{}}' > "$out/prerendered-routes.json"
if [ -n "$BUILDWATCH_CHANGED_FILES" ]; then
  printf '%s' "$BUILDWATCH_CHANGED_FILES" > "$out/changed.txt"
fi
`

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("build scripts need a POSIX shell")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newScriptCommand(t *testing.T, script string, cfg Config) *Command {
	t.Helper()
	requireShell(t)
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "build.sh")
	writeFile(t, scriptPath, script)

	cfg.Command = []string{"sh", scriptPath}
	if cfg.Dir == "" {
		cfg.Dir = dir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(dir, "dist")
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestCommandRunSnapshotsOutput(t *testing.T) {
	c := newScriptCommand(t, buildScript, Config{})

	set, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, set.Errors)

	assert.Equal(t, []string{
		"main.js", "media/logo.png", "prerendered-routes.json", "server.mjs", "server/main.js",
	}, set.SortedPaths())

	kinds := set.OutputKinds()
	assert.Equal(t, artifact.KindBrowser, kinds["main.js"])
	assert.Equal(t, artifact.KindMedia, kinds["media/logo.png"])
	assert.Equal(t, artifact.KindRoot, kinds["prerendered-routes.json"])
	assert.Equal(t, artifact.KindServerRoot, kinds["server.mjs"])
	assert.Equal(t, artifact.KindServerApplication, kinds["server/main.js"])

	mainJS, ok := set.Lookup("main.js")
	require.True(t, ok)
	assert.Equal(t, "boot()", mainJS.Text())
	assert.Equal(t, artifact.HashContents([]byte("boot()")), mainJS.Hash)
}

func TestCommandRunReusesHashCache(t *testing.T) {
	c := newScriptCommand(t, buildScript, Config{})

	first, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	hashes, ok := first.Cache.(*cache.HashCache)
	require.True(t, ok)

	state := results.NewRebuildState(first, results.NewFileChanges(nil, nil, []string{"/src/app.ts"}))
	second, err := c.Run(context.Background(), state)
	require.NoError(t, err)
	assert.Same(t, hashes, second.Cache)
	assert.Equal(t, first.OutputHashes()["server/main.js"], second.OutputHashes()["server/main.js"])

	changed, ok := second.Lookup("changed.txt")
	require.True(t, ok)
	assert.Equal(t, "/src/app.ts", changed.Text())
}

func TestCommandRunFailure(t *testing.T) {
	c := newScriptCommand(t, "echo 'TS2322: Type string is not assignable' >&2\nexit 3\n", Config{})

	set, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, set.Errors, 1)
	assert.Contains(t, set.Errors[0], "build command failed")
	assert.Contains(t, set.Errors[0], "TS2322")
	assert.Empty(t, set.Files)
}

func TestCommandRunCancelled(t *testing.T) {
	c := newScriptCommand(t, "sleep 5\n", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandComponentUpdates(t *testing.T) {
	script := `out="$BUILDWATCH_OUTPUT_DIR"
printf 'boot()' > "$out/main.js"
printf '{"app.component":"template payload"}' > "$out/.component-updates.json"
`
	c := newScriptCommand(t, script, Config{})

	set, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app.component": "template payload"}, set.ComponentUpdates)
	assert.Equal(t, []string{"main.js"}, set.SortedPaths())
}

func TestCommandRunDropsStaleOutput(t *testing.T) {
	script := `out="$BUILDWATCH_OUTPUT_DIR"
printf 'a' > "$out/a.js"
if [ -z "$BUILDWATCH_CHANGED_FILES" ]; then
  printf 'b' > "$out/b.js"
  printf '{"cmp":"tpl"}' > "$out/.component-updates.json"
fi
`
	c := newScriptCommand(t, script, Config{})

	first, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js", "b.js"}, first.SortedPaths())
	assert.Equal(t, map[string]string{"cmp": "tpl"}, first.ComponentUpdates)
	assert.NoFileExists(t, filepath.Join(c.OutputDir(), ComponentUpdatesFile))

	state := results.NewRebuildState(first, results.NewFileChanges(nil, nil, []string{"/src/b.ts"}))
	second, err := c.Run(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js"}, second.SortedPaths())
	assert.Nil(t, second.ComponentUpdates)

	emitted := results.Emit(second, state)
	require.Len(t, emitted, 1)
	assert.Equal(t, results.KindIncremental, emitted[0].Kind)
	require.Len(t, emitted[0].Removed, 1)
	assert.Equal(t, "b.js", emitted[0].Removed[0].Path)
	assert.False(t, emitted[0].Background)
}

func TestCommandAssetsAndWatchGlobs(t *testing.T) {
	requireShell(t)
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "src/assets/a.txt"), "a")
	writeFile(t, filepath.Join(project, "src/assets/sub/b.txt"), "b")
	writeFile(t, filepath.Join(project, "src/assets/skip.bin"), "x")
	writeFile(t, filepath.Join(project, "src/app/main.ts"), "ts")
	writeFile(t, filepath.Join(project, "src/app/deep/util.ts"), "ts")

	c := newScriptCommand(t, buildScript, Config{
		Dir:        project,
		Assets:     []AssetGlob{{Input: "src/assets", Glob: "**/*.txt", Output: "assets"}},
		WatchGlobs: []string{"src/**/*.ts", "package.json"},
	})

	set, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, set.Errors)

	assert.ElementsMatch(t, []artifact.AssetFile{
		{Source: filepath.Join(project, "src/assets/a.txt"), Destination: "assets/a.txt"},
		{Source: filepath.Join(project, "src/assets/sub/b.txt"), Destination: "assets/sub/b.txt"},
	}, set.Assets)

	assert.Contains(t, set.WatchFiles, filepath.Join(project, "src/app/main.ts"))
	assert.Contains(t, set.WatchFiles, filepath.Join(project, "src/app/deep/util.ts"))
	assert.Contains(t, set.WatchFiles, filepath.Join(project, "package.json"))
	assert.Contains(t, set.WatchFiles, filepath.Join(project, "src/assets/a.txt"))
	for _, f := range set.WatchFiles {
		assert.False(t, strings.HasSuffix(f, ".bin"), f)
	}
}

func TestCommandBudgets(t *testing.T) {
	c := newScriptCommand(t, buildScript, Config{
		Budgets: []budget.Budget{{Type: budget.TypeAll, MaximumError: "4"}},
	})

	set, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, set.Errors, 1)
	assert.Contains(t, set.Errors[0], "exceeded maximum budget")
}

func TestCommandTempOutputDisposed(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "build.sh")
	writeFile(t, scriptPath, buildScript)

	c, err := New(Config{Command: []string{"sh", scriptPath}, Dir: dir})
	require.NoError(t, err)
	out := c.OutputDir()
	require.DirExists(t, out)

	_, err = c.Run(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Dispose())
	assert.NoDirExists(t, out)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New(Config{Command: []string{"npm", "run", "build;rm"}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))

	_, err = New(Config{Command: []string{"npm"}, Budgets: []budget.Budget{{Type: "nope"}}})
	assert.Error(t, err)
}
