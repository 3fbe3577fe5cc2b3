package prerender

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/errors"
)

type countingMetrics struct {
	rendered atomic.Int64
	failed   atomic.Int64
}

func (m *countingMetrics) IncRoutesRendered() { m.rendered.Add(1) }
func (m *countingMetrics) IncRenderErrors()   { m.failed.Add(1) }

func echoRenderer() RendererFunc {
	return func(_ context.Context, req RenderRequest) (string, error) {
		return "<p>" + req.URL + "</p>", nil
	}
}

func routesFs(t *testing.T, contents string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "routes.txt", []byte(contents), 0o644))
	return fsys
}

func TestNewWorkerDataPartitions(t *testing.T) {
	set := &artifact.Set{}
	set.Add("server/main.js", artifact.KindServerApplication, []byte("render()"))
	set.Add("server/main.js.map", artifact.KindServerApplication, []byte(`{"version":3}`))
	set.Add("server.mjs", artifact.KindServerRoot, []byte("export {}"))
	set.Add("main.js", artifact.KindBrowser, []byte("boot()"))
	set.Add("media/logo.png", artifact.KindMedia, []byte("png"))
	set.Add("3rdpartylicenses.txt", artifact.KindRoot, []byte("MIT"))
	set.Assets = []artifact.AssetFile{{Source: "/src/favicon.ico", Destination: "/favicon.ico"}}

	data, err := NewWorkerData(set)
	require.NoError(t, err)

	assert.Len(t, data.OutputFiles, 2)
	assert.NotContains(t, data.OutputFiles, "server/main.js.map")
	expected := "render()" + sourceMapTrailer + base64.StdEncoding.EncodeToString([]byte(`{"version":3}`))
	assert.Equal(t, expected, string(data.OutputFiles["server/main.js"]))

	assert.Len(t, data.AssetFiles, 2)
	assert.Contains(t, data.AssetFiles, "main.js")
	assert.Contains(t, data.AssetFiles, "media/logo.png")
	assert.NotContains(t, data.AssetFiles, "3rdpartylicenses.txt")
	assert.Equal(t, map[string]string{"favicon.ico": "/src/favicon.ico"}, data.DiskAssets)

	contents, err := fs.ReadFile(data.ServerFS(), "server.mjs")
	require.NoError(t, err)
	assert.Equal(t, "export {}", string(contents))
}

func TestWorkerDataIsolation(t *testing.T) {
	dir := t.TempDir()
	declared := filepath.Join(dir, "robots.txt")
	undeclared := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(declared, []byte("User-agent: *"), 0o644))
	require.NoError(t, os.WriteFile(undeclared, []byte("token"), 0o644))

	set := &artifact.Set{}
	set.Add("server/main.js", artifact.KindServerApplication, []byte("render()"))
	set.Add("styles.css", artifact.KindBrowser, []byte("body{}"))
	set.Assets = []artifact.AssetFile{{Source: declared, Destination: "robots.txt"}}

	data, err := NewWorkerData(set)
	require.NoError(t, err)
	assets := data.AssetFS()

	contents, err := fs.ReadFile(assets, "robots.txt")
	require.NoError(t, err)
	assert.Equal(t, "User-agent: *", string(contents))

	contents, err = fs.ReadFile(assets, "styles.css")
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(contents))

	_, err = fs.ReadFile(assets, "secret.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = fs.ReadFile(assets, strings.TrimPrefix(undeclared, "/"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = assets.Open("../secret.txt")
	assert.ErrorIs(t, err, fs.ErrInvalid)

	_, err = fs.ReadFile(data.ServerFS(), "styles.css")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = fs.ReadFile(data.ServerFS(), strings.TrimPrefix(declared, "/"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestURLJoin(t *testing.T) {
	tests := []struct {
		first string
		rest  []string
		want  string
	}{
		{"/", []string{"about"}, "/about"},
		{"/", []string{"/about"}, "/about"},
		{"/app/", []string{"/blog/"}, "/app/blog/"},
		{"/app", []string{"a//b"}, "/app/a/b"},
		{"/app/", nil, "/app/"},
		{"", []string{"x", "y"}, "/x/y"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.first, tt.rest), func(t *testing.T) {
			assert.Equal(t, tt.want, URLJoin(tt.first, tt.rest...))
		})
	}
}

func TestRouteSet(t *testing.T) {
	s := NewRouteSet("about", "/about", "/", "blog")
	assert.Equal(t, []string{"/about", "/", "/blog"}, s.Routes())
	assert.Equal(t, []string{"/", "/about", "/blog"}, s.Sorted())
	assert.True(t, s.Has("blog"))
	assert.Equal(t, 3, s.Len())
}

func TestReadRoutesFile(t *testing.T) {
	fsys := routesFs(t, "  /a  \n\n\tb\n   \n/c/d\n")
	routes, err := ReadRoutesFile(fsys, "routes.txt", "/app/")
	require.NoError(t, err)
	assert.Equal(t, []string{"/app/a", "/app/b", "/app/c/d"}, routes)

	_, err = ReadRoutesFile(fsys, "missing.txt", "/")
	assert.True(t, errors.HasCode(err, errors.ErrCodeRoutesFile))
}

func TestRouteInfoIsDynamic(t *testing.T) {
	assert.True(t, RouteInfo{Route: "/user/:id"}.IsDynamic())
	assert.True(t, RouteInfo{Route: "/**"}.IsDynamic())
	assert.False(t, RouteInfo{Route: "/users/list"}.IsDynamic())
}

func TestPrerenderRoutesFile(t *testing.T) {
	metrics := &countingMetrics{}
	p, err := New(Options{
		RoutesFile:    "routes.txt",
		AppShellRoute: "shell",
		MaxThreads:    3,
		Renderer:      echoRenderer(),
		Fs:            routesFs(t, "/\nabout\n/blog/post\n"),
		Metrics:       metrics,
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.NoError(t, err)
	assert.Empty(t, out.Errors)

	require.Len(t, out.Pages, 4)
	assert.Equal(t, "<p>/</p>", out.Pages["index.html"].Content)
	assert.Equal(t, "<p>/about</p>", out.Pages["about/index.html"].Content)
	assert.Equal(t, "/blog/post", out.Pages["blog/post/index.html"].Route)
	assert.True(t, out.Pages["shell/index.html"].AppShell)
	assert.False(t, out.Pages["about/index.html"].AppShell)
	assert.Equal(t, []string{"/", "/about", "/blog/post", "/shell"}, out.Routes())
	assert.Equal(t, int64(4), metrics.rendered.Load())
}

func TestPrerenderMissingRoutesFileRendersNothing(t *testing.T) {
	metrics := &countingMetrics{}
	p, err := New(Options{
		RoutesFile:    "missing.txt",
		AppShellRoute: "shell",
		Renderer:      echoRenderer(),
		Fs:            routesFs(t, "/about\n"),
		Metrics:       metrics,
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "missing.txt")
	assert.Empty(t, out.Pages)
	assert.Equal(t, int64(0), metrics.rendered.Load())
}

func TestPrerenderStripsBaseHref(t *testing.T) {
	var seen atomic.Value
	p, err := New(Options{
		BaseHref:      "/app",
		RoutesFile:    "routes.txt",
		AppShellRoute: "/shell",
		Renderer: RendererFunc(func(_ context.Context, req RenderRequest) (string, error) {
			if req.AppShell {
				seen.Store(req.URL)
			}
			return "ok", nil
		}),
		Fs: routesFs(t, "about\n"),
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.NoError(t, err)
	assert.Contains(t, out.Pages, "about/index.html")
	assert.Equal(t, "/app/about", out.Pages["about/index.html"].Route)
	assert.True(t, out.Pages["shell/index.html"].AppShell)
	assert.Equal(t, "/app/shell", seen.Load())
}

func TestPrerenderRouteErrorsDoNotStopSiblings(t *testing.T) {
	metrics := &countingMetrics{}
	p, err := New(Options{
		RoutesFile: "routes.txt",
		MaxThreads: 2,
		Renderer: RendererFunc(func(_ context.Context, req RenderRequest) (string, error) {
			if req.URL == "/broken" {
				return "", fmt.Errorf("template exploded")
			}
			return "ok", nil
		}),
		Fs:      routesFs(t, "a\nbroken\nb\nc\n"),
		Metrics: metrics,
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.NoError(t, err)
	assert.Len(t, out.Pages, 3)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "An error occurred while prerendering route '/broken'.\n\ntemplate exploded", out.Errors[0])
	assert.Equal(t, int64(1), metrics.failed.Load())
}

func TestPrerenderPanicCancelsPool(t *testing.T) {
	p, err := New(Options{
		RoutesFile: "routes.txt",
		MaxThreads: 1,
		Renderer: RendererFunc(func(_ context.Context, req RenderRequest) (string, error) {
			if req.URL == "/boom" {
				panic("worker died")
			}
			return "ok", nil
		}),
		Fs: routesFs(t, "a\nboom\nc\nd\n"),
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRenderPool))
	assert.Contains(t, err.Error(), "worker died")

	assert.Contains(t, out.Pages, "a/index.html")
	assert.NotContains(t, out.Pages, "c/index.html")
	assert.NotContains(t, out.Pages, "d/index.html")
}

func TestPrerenderEmptyContentIsSkipped(t *testing.T) {
	p, err := New(Options{
		RoutesFile: "routes.txt",
		Renderer:   RendererFunc(func(context.Context, RenderRequest) (string, error) { return "", nil }),
		Fs:         routesFs(t, "a\n"),
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.NoError(t, err)
	assert.Empty(t, out.Pages)
	assert.Empty(t, out.Errors)
}

func TestPrerenderNoRoutes(t *testing.T) {
	called := false
	p, err := New(Options{Renderer: RendererFunc(func(context.Context, RenderRequest) (string, error) {
		called = true
		return "x", nil
	})})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: &artifact.Set{}})
	require.NoError(t, err)
	assert.Empty(t, out.Pages)
	assert.False(t, called)
}

func manifestSet(manifest string) *artifact.Set {
	set := &artifact.Set{}
	set.Add("server/main.js", artifact.KindServerApplication, []byte("render()"))
	if manifest != "" {
		set.Add(DefaultManifestPath, artifact.KindServerApplication, []byte(manifest))
	}
	return set
}

func TestPrerenderDiscoversRoutes(t *testing.T) {
	manifest := `
routes:
  - path: ""
  - path: about
  - path: old
    redirectTo: /about
  - path: user/:id
  - path: blog
    children:
      - path: first-post
`
	p, err := New(Options{
		DiscoverRoutes: true,
		Verbose:        true,
		Renderer:       echoRenderer(),
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: manifestSet(manifest)})
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/about", "/blog", "/blog/first-post"}, out.Routes())
	require.Len(t, out.Warnings, 2)
	assert.Equal(t, "The following routes were skipped from prerendering because they contain routes with dynamic parameters:\n/user/:id", out.Warnings[0])
	assert.Equal(t, "The following routes were skipped from prerendering because they contain redirects:\n/old", out.Warnings[1])
}

func TestPrerenderDiscoveryFailureSkipsRendering(t *testing.T) {
	p, err := New(Options{
		DiscoverRoutes: true,
		AppShellRoute:  "shell",
		Renderer:       echoRenderer(),
	})
	require.NoError(t, err)

	out, err := p.Prerender(context.Background(), Input{Set: manifestSet("")})
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.True(t, strings.HasPrefix(out.Errors[0], "An error occurred while extracting routes.\n\n"))
	assert.Empty(t, out.Pages)
}

func TestOutputArtifacts(t *testing.T) {
	out := &Output{Pages: map[string]Page{
		"index.html":       {Route: "/", Content: "<h1>home</h1>"},
		"about/index.html": {Route: "/about", Content: "<h1>about</h1>"},
	}}

	files, err := out.Artifacts()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "about/index.html", files[0].Path)
	assert.Equal(t, artifact.KindBrowser, files[0].Kind)
	assert.Equal(t, "index.html", files[1].Path)

	manifest := files[2]
	assert.Equal(t, RoutesManifestPath, manifest.Path)
	assert.Equal(t, artifact.KindRoot, manifest.Kind)

	var decoded struct {
		Routes map[string]struct{} `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(manifest.Contents, &decoded))
	assert.Len(t, decoded.Routes, 2)
	assert.Contains(t, decoded.Routes, "/about")
}

func TestNewRequiresRenderer(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
