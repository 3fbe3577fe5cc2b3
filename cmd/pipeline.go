package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/conneroisu/buildwatch/internal/action"
	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/build"
	"github.com/conneroisu/buildwatch/internal/config"
	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/livereload"
	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/metrics"
	"github.com/conneroisu/buildwatch/internal/output"
	"github.com/conneroisu/buildwatch/internal/prerender"
	"github.com/conneroisu/buildwatch/internal/results"
)

type pipelineOptions struct {
	Watch      bool
	Write      bool
	Prerender  bool
	LiveReload bool
	Out        io.Writer
}

// pipeline connects the build runner to its consumers: the output writer,
// the overlay, the prerenderer and live reload.
type pipeline struct {
	cfg    *config.Config
	opts   pipelineOptions
	logger logging.Logger

	recorder    *metrics.Recorder
	runner      *build.Runner
	writer      *output.Writer
	overlay     *output.Overlay
	prerenderer *prerender.Prerenderer
	hub         *livereload.Hub
	server      *livereload.Server

	failures int
}

func newPipeline(cfg *config.Config, logger logging.Logger, opts pipelineOptions) (*pipeline, error) {
	root, err := filepath.Abs(cfg.Project.Root)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeInvalidPath, "resolving project root")
	}
	args, err := config.CommandArgs(cfg.Build.Command)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid build command")
	}

	p := &pipeline{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		recorder: metrics.NewRecorder(nil),
		overlay:  output.NewOverlay(),
	}

	// The command writes into a private directory; the writer owns the
	// configured output directory.
	command, err := action.New(action.Config{
		Command:      args,
		Dir:          root,
		Env:          cfg.Build.Env,
		ServerPrefix: cfg.Build.ServerPrefix,
		MediaPrefix:  cfg.Build.MediaPrefix,
		Assets:       cfg.Build.Assets,
		WatchGlobs:   cfg.Build.Watch,
		Budgets:      cfg.Build.Budgets,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	var filter func(artifact.Kind) bool
	if !cfg.Output.Server {
		filter = func(k artifact.Kind) bool { return !k.IsServer() }
	}
	outputDir := resolve(root, cfg.Build.OutputDir)
	ignored := make([]string, 0, len(cfg.Build.Ignore))
	for _, pattern := range cfg.Build.Ignore {
		ignored = append(ignored, filepath.ToSlash(resolve(root, pattern)))
	}

	p.runner = build.NewRunner(command.Run, build.Options{
		Watch:                   opts.Watch,
		Poll:                    cfg.Watch.Poll,
		Debounce:                cfg.Watch.Debounce,
		ClearScreen:             cfg.Watch.ClearScreen,
		Ignored:                 ignored,
		ProjectRoot:             root,
		WorkspaceRoot:           resolve(root, cfg.Project.WorkspaceRoot),
		OutputPath:              outputDir,
		CachePath:               resolve(root, cfg.Build.CacheDir),
		WatchRoot:               cfg.Watch.WatchRoot,
		PreserveSymlinks:        cfg.Watch.PreserveSymlinks,
		IncrementalResults:      cfg.Watch.Incremental && opts.Watch,
		Verbose:                 cfg.Watch.Verbose,
		WriteToFileSystemFilter: filter,
		Dispose:                 command.Dispose,
		Logger:                  logger,
		Metrics:                 p.recorder,
		Stdout:                  opts.Out,
	})

	if opts.Write {
		osFs := afero.NewOsFs()
		p.writer = output.NewWriter(output.Options{
			Dir:           outputDir,
			Fs:            osFs,
			Source:        afero.NewReadOnlyFs(osFs),
			Filter:        p.runner.ShouldWrite,
			Precompress:   cfg.Output.Precompress,
			DeleteRemoved: cfg.Output.DeleteRemoved,
			Logger:        logger,
		})
	}

	if opts.Prerender {
		p.prerenderer, err = newPrerenderer(cfg.Prerender, root, logger, p.recorder)
		if err != nil {
			return nil, err
		}
	}

	if opts.LiveReload {
		p.hub = livereload.NewHub(livereload.HubOptions{
			AllowedOrigins: cfg.LiveReload.AllowedOrigins,
			Gauge:          p.recorder,
			Logger:         logger,
		})
		p.server = livereload.NewServer(cfg.LiveReload.Addr, p.hub, p.recorder.Handler(), logger)
	}
	return p, nil
}

func newPrerenderer(cfg config.PrerenderConfig, root string, logger logging.Logger, recorder *metrics.Recorder) (*prerender.Prerenderer, error) {
	renderer := prerender.NewTemplateRenderer(nil)
	renderer.ShellPath = cfg.ShellPath
	renderer.PagesDir = cfg.PagesDir
	renderer.BaseHref = cfg.BaseHref
	renderer.InlineCSS = cfg.InlineCSS
	renderer.Markdown = prerender.MarkdownOptions{GFM: cfg.GFM, Unsafe: cfg.Unsafe}
	if cfg.SiteTitle != "" {
		renderer.SiteTitle = cfg.SiteTitle
	}
	layout, err := prerender.LayoutByName(cfg.Layout)
	if err != nil {
		return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid prerender layout")
	}
	renderer.Layout = layout

	var extractor prerender.RouteExtractor
	if cfg.DiscoverRoutes {
		extractor = prerender.ManifestExtractor{Path: cfg.ManifestPath}
	}
	var routesFile string
	if cfg.RoutesFile != "" {
		routesFile = resolve(root, cfg.RoutesFile)
	}
	return prerender.New(prerender.Options{
		BaseHref:       cfg.BaseHref,
		AppShellRoute:  cfg.AppShellRoute,
		RoutesFile:     routesFile,
		DiscoverRoutes: cfg.DiscoverRoutes,
		MaxThreads:     cfg.MaxThreads,
		Verbose:        cfg.Verbose,
		Renderer:       renderer,
		Extractor:      extractor,
		Logger:         logger,
		Metrics:        recorder,
	})
}

// resolve makes p absolute against root. Empty stays empty.
func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// run consumes the result stream until it ends. Without watch mode it
// returns an error when any build or prerender failed.
func (p *pipeline) run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)

	var wg conc.WaitGroup
	var serveErr error
	if p.server != nil {
		wg.Go(func() {
			serveErr = p.server.Serve(ctx)
		})
	}
	// The server only returns once ctx is done, so cancel before waiting.
	defer func() {
		cancel()
		wg.Wait()
		if p.opts.Watch {
			fmt.Fprintln(p.opts.Out, p.sessionSummary())
		}
		if serveErr != nil {
			p.logger.Error(ctx, serveErr, "live reload server stopped")
			err = errors.Combine(err, fmt.Errorf("live reload server: %w", serveErr))
		}
	}()

	for res, runErr := range p.runner.Run(ctx) {
		if runErr != nil {
			return runErr
		}
		p.handle(ctx, res)
	}

	if !p.opts.Watch && p.failures > 0 {
		return fmt.Errorf("build failed")
	}
	return nil
}

func (p *pipeline) handle(ctx context.Context, res results.Result) {
	for _, w := range res.Warnings {
		fmt.Fprintf(p.opts.Out, "Warning: %s\n", w)
	}

	switch res.Kind {
	case results.KindFailure:
		p.failures++
		for _, e := range res.Errors {
			fmt.Fprintf(p.opts.Out, "Error: %s\n", e)
		}
		fmt.Fprintf(p.opts.Out, "Build failed (%d errors)\n", len(res.Errors))
	case results.KindFull, results.KindIncremental:
		p.overlay.Apply(res)
		p.write(ctx, res)
		if p.prerenderer != nil {
			p.prerender(ctx)
		}
		fmt.Fprintf(p.opts.Out, "Build complete: %s, %s\n", res.Summary(), humanize.Bytes(uint64(size(res))))
	case results.KindComponentUpdate:
		p.logger.Info(ctx, "component update", "updates", len(res.Updates))
	}

	if p.hub != nil {
		p.hub.Publish(res)
	}
}

func (p *pipeline) write(ctx context.Context, res results.Result) {
	if p.writer == nil {
		return
	}
	stats, err := p.writer.Apply(ctx, res)
	if err != nil {
		p.failures++
		p.logger.Error(ctx, err, "writing output")
		return
	}
	p.logger.Debug(ctx, "output written", "written", stats.Written, "compressed", stats.Compressed, "removed", stats.Removed)
}

func (p *pipeline) prerender(ctx context.Context) {
	perf := logging.StartOperation(p.logger, "prerender")
	out, err := p.prerenderer.Prerender(ctx, prerender.Input{Set: p.overlay.Set()})
	if err != nil {
		p.failures++
		perf.EndWithError(ctx, err)
		return
	}
	perf.End(ctx)

	for _, w := range out.Warnings {
		fmt.Fprintf(p.opts.Out, "Warning: %s\n", w)
	}
	for _, e := range out.Errors {
		fmt.Fprintf(p.opts.Out, "Error: %s\n", e)
	}
	if len(out.Errors) > 0 {
		p.failures++
	}
	if len(out.Pages) == 0 {
		return
	}

	files, err := out.Artifacts()
	if err != nil {
		p.failures++
		p.logger.Error(ctx, err, "encoding prerendered routes")
		return
	}
	pages := results.Result{Kind: results.KindIncremental, Files: make(map[string]artifact.Artifact, len(files))}
	for _, f := range files {
		pages.Files[f.Path] = f
		pages.Added = append(pages.Added, f.Path)
	}
	p.write(ctx, pages)
	fmt.Fprintf(p.opts.Out, "Prerendered %d routes in %s\n", len(out.Pages), perf.Elapsed().Round(time.Millisecond))
}

// sessionSummary describes the builds of a finished watch session.
func (p *pipeline) sessionSummary() string {
	stats := p.runner.Stats()
	return fmt.Sprintf("Watch session ended: %d builds (%d incremental, %d failed), average %s",
		stats.TotalBuilds, stats.IncrementalBuilds, stats.FailedBuilds, stats.AverageDuration.Round(time.Millisecond))
}

func size(res results.Result) int {
	var total int
	for _, f := range res.Files {
		total += f.Size()
	}
	return total
}
