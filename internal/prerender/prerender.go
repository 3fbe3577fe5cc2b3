// Package prerender renders static routes of a build in parallel.
//
// Every render worker reads the same immutable WorkerData built from the
// build's artifacts; nothing is read from disk except asset files the build
// itself declared. A failing route is reported and its siblings carry on.
// A worker panic cancels the pool but keeps the pages already rendered.
package prerender

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/logging"
)

// RoutesManifestPath is the root artifact listing prerendered routes.
const RoutesManifestPath = "prerendered-routes.json"

// RenderRequest describes one page to render.
type RenderRequest struct {
	// URL is the full route including the base href.
	URL string
	// AppShell is set for the application shell route.
	AppShell bool
	// Data is the shared, read-only build view.
	Data *WorkerData
}

// PageRenderer turns a route into HTML. Implementations must be safe for
// concurrent use. An empty result means the route produced no page.
type PageRenderer interface {
	Render(ctx context.Context, req RenderRequest) (string, error)
}

// RendererFunc adapts a function to PageRenderer.
type RendererFunc func(ctx context.Context, req RenderRequest) (string, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, req RenderRequest) (string, error) {
	return f(ctx, req)
}

// Metrics receives render counters.
type Metrics interface {
	IncRoutesRendered()
	IncRenderErrors()
}

// Options configures a Prerenderer.
type Options struct {
	BaseHref       string
	AppShellRoute  string
	RoutesFile     string
	DiscoverRoutes bool
	MaxThreads     int
	Verbose        bool

	Renderer  PageRenderer
	Extractor RouteExtractor
	// Fs is used to read RoutesFile. Defaults to the OS file system.
	Fs      afero.Fs
	Logger  logging.Logger
	Metrics Metrics
}

// Input is what one Prerender call works on.
type Input struct {
	Set *artifact.Set
}

// Page is one rendered route.
type Page struct {
	Route    string
	Content  string
	AppShell bool
}

// Output collects the pages and diagnostics of one Prerender call.
type Output struct {
	Errors   []string
	Warnings []string
	// Pages is keyed by output path, e.g. "about/index.html".
	Pages map[string]Page
}

// Routes returns the rendered routes in lexical order.
func (o *Output) Routes() []string {
	routes := make([]string, 0, len(o.Pages))
	for _, p := range o.Pages {
		routes = append(routes, p.Route)
	}
	sort.Strings(routes)
	return routes
}

// RoutesManifest encodes the rendered routes as
// {"routes": {"/route": {}}}.
func (o *Output) RoutesManifest() ([]byte, error) {
	routes := make(map[string]struct{}, len(o.Pages))
	for _, r := range o.Routes() {
		routes[r] = struct{}{}
	}
	return json.MarshalIndent(map[string]any{"routes": routes}, "", "  ")
}

// Artifacts returns the pages as browser artifacts plus the routes manifest
// as a root artifact, ordered by path.
func (o *Output) Artifacts() ([]artifact.Artifact, error) {
	paths := make([]string, 0, len(o.Pages))
	for p := range o.Pages {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]artifact.Artifact, 0, len(paths)+1)
	for _, p := range paths {
		out = append(out, artifact.NewMemory(p, artifact.KindBrowser, []byte(o.Pages[p].Content)))
	}
	manifest, err := o.RoutesManifest()
	if err != nil {
		return nil, err
	}
	return append(out, artifact.NewMemory(RoutesManifestPath, artifact.KindRoot, manifest)), nil
}

// Prerenderer renders the routes of a build.
type Prerenderer struct {
	opts   Options
	logger logging.Logger
}

// New creates a Prerenderer.
func New(opts Options) (*Prerenderer, error) {
	if opts.Renderer == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "prerender requires a page renderer")
	}
	if opts.DiscoverRoutes && opts.Extractor == nil {
		opts.Extractor = ManifestExtractor{}
	}
	opts.BaseHref = addLeadingSlash(opts.BaseHref)
	if !strings.HasSuffix(opts.BaseHref, "/") {
		opts.BaseHref += "/"
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = runtime.NumCPU()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &Prerenderer{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).WithComponent("prerender"),
	}, nil
}

// Prerender renders every route of in.Set. The returned error is reserved
// for failures of the pool itself; per-route problems land in Output.Errors.
func (p *Prerenderer) Prerender(ctx context.Context, in Input) (*Output, error) {
	out := &Output{Pages: make(map[string]Page)}

	data, err := NewWorkerData(in.Set)
	if err != nil {
		return out, errors.WrapInternal(err, errors.ErrCodeRenderPool, "preparing worker data")
	}

	routes, failed := p.collectRoutes(ctx, data, out)
	if failed || routes.Len() == 0 {
		return out, nil
	}

	perf := logging.StartOperation(p.logger, "prerender")
	err = p.render(ctx, data, routes.Routes(), out)
	perf.EndWithError(ctx, err)
	p.logger.Info(ctx, "prerendered routes", "pages", len(out.Pages), "errors", len(out.Errors))
	return out, err
}

// collectRoutes unions discovered routes, the routes file and the app shell.
// It reports failure when discovery or the routes file could not be read;
// nothing is rendered then.
func (p *Prerenderer) collectRoutes(ctx context.Context, data *WorkerData, out *Output) (*RouteSet, bool) {
	routes := NewRouteSet()

	if p.opts.DiscoverRoutes {
		discovered, err := p.opts.Extractor.ExtractRoutes(ctx, data)
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("An error occurred while extracting routes.\n\n%s", err))
			return routes, true
		}

		var dynamic, redirects []string
		for _, r := range discovered {
			switch {
			case r.RedirectTo != "":
				redirects = append(redirects, r.Route)
			case r.IsDynamic():
				dynamic = append(dynamic, r.Route)
			default:
				routes.Add(URLJoin(p.opts.BaseHref, r.Route))
			}
		}
		if p.opts.Verbose {
			if len(dynamic) > 0 {
				out.Warnings = append(out.Warnings,
					"The following routes were skipped from prerendering because they contain routes with dynamic parameters:\n"+strings.Join(dynamic, "\n"))
			}
			if len(redirects) > 0 {
				out.Warnings = append(out.Warnings,
					"The following routes were skipped from prerendering because they contain redirects:\n"+strings.Join(redirects, "\n"))
			}
		}
	}

	if p.opts.RoutesFile != "" {
		fromFile, err := ReadRoutesFile(p.opts.Fs, p.opts.RoutesFile, p.opts.BaseHref)
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
			return routes, true
		}
		for _, r := range fromFile {
			routes.Add(r)
		}
	}

	if p.opts.AppShellRoute != "" {
		routes.Add(URLJoin(p.opts.BaseHref, p.opts.AppShellRoute))
	}
	return routes, false
}

func (p *Prerenderer) render(ctx context.Context, data *WorkerData, routes []string, out *Output) (err error) {
	var mu sync.Mutex
	collector := errors.NewErrorCollector()
	appShell := ""
	if p.opts.AppShellRoute != "" {
		appShell = addLeadingSlash(p.opts.AppShellRoute)
	}

	workers := min(len(routes), p.opts.MaxThreads)
	wp := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError()
	defer func() {
		if poolErr := wp.Wait(); poolErr != nil {
			err = errors.WrapInternal(poolErr, errors.ErrCodeRenderPool, "render pool failed")
		}
		out.Errors = append(out.Errors, collector.Messages()...)
	}()

	for _, route := range routes {
		wp.Go(func(ctx context.Context) error {
			if ctx.Err() != nil {
				return nil
			}
			local := p.stripBaseHref(route)
			req := RenderRequest{URL: route, AppShell: local == appShell, Data: data}

			var (
				content   string
				renderErr error
			)
			start := time.Now()
			var pc panics.Catcher
			pc.Try(func() {
				content, renderErr = p.opts.Renderer.Render(ctx, req)
			})
			if recovered := pc.Recovered(); recovered != nil {
				p.countError()
				return errors.NewInternalError(errors.ErrCodeRenderPool,
					fmt.Sprintf("render worker crashed on route '%s'", route), recovered.AsError())
			}
			if renderErr != nil {
				p.countError()
				collector.Add(fmt.Sprintf("An error occurred while prerendering route '%s'.\n\n%s", route, renderErr),
					errors.NewRenderError(errors.ErrCodeRenderRoute, "prerendering "+route, renderErr))
				return nil
			}
			p.logger.Debug(ctx, "rendered route", "route", route, "duration", time.Since(start))
			if content == "" {
				return nil
			}

			mu.Lock()
			out.Pages[path.Join(removeLeadingSlash(local), "index.html")] = Page{Route: route, Content: content, AppShell: req.AppShell}
			mu.Unlock()
			if p.opts.Metrics != nil {
				p.opts.Metrics.IncRoutesRendered()
			}
			return nil
		})
	}
	return nil
}

func (p *Prerenderer) countError() {
	if p.opts.Metrics != nil {
		p.opts.Metrics.IncRenderErrors()
	}
}

// stripBaseHref returns route relative to the base href, with a leading
// slash.
func (p *Prerenderer) stripBaseHref(route string) string {
	if strings.HasPrefix(route, p.opts.BaseHref) {
		route = route[len(p.opts.BaseHref)-1:]
	}
	return addLeadingSlash(route)
}
