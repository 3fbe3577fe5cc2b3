package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"w"},
	Short:   "Rebuild on file changes and live reload browsers",
	Long: `Build, then watch the files the build reported along with the configured
globs and rebuild after each debounced batch of changes. Only the files
that changed since the previous build are rewritten.

Connected browsers are told to reload. When only scripts and source maps
changed, or the build sent component updates, they are told to apply the
update in the background instead. Metrics are served next to the live
reload socket at /metrics.

Examples:
  buildwatch watch                        # Watch with .buildwatch.yml
  buildwatch watch --poll 1s              # Poll instead of native events
  buildwatch watch --no-livereload        # Rebuild only`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := bindFlags(cmd.Flags(), buildFlagKeys); err != nil {
			return err
		}
		if err := bindFlags(cmd.Flags(), prerenderFlagKeys); err != nil {
			return err
		}
		return bindFlags(cmd.Flags(), map[string]string{
			"poll":         "watch.poll",
			"debounce":     "watch.debounce",
			"clear-screen": "watch.clear_screen",
			"verbose":      "watch.verbose",
			"addr":         "livereload.addr",
		})
	},
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	addBuildFlags(watchCmd.Flags())
	addPrerenderFlags(watchCmd.Flags())
	watchCmd.Flags().Duration("poll", 0, "Poll for changes at this interval instead of using native events")
	watchCmd.Flags().Duration("debounce", 0, "Quiet period before a rebuild")
	watchCmd.Flags().Bool("clear-screen", false, "Clear the terminal before each rebuild")
	watchCmd.Flags().BoolP("verbose", "v", false, "Log every change batch")
	watchCmd.Flags().String("addr", "", "Live reload listen address")
	watchCmd.Flags().Bool("no-livereload", false, "Disable the live reload server")
	watchCmd.Flags().Bool("prerender", false, "Prerender routes after each build")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	noWrite, _ := cmd.Flags().GetBool("no-write")
	noLiveReload, _ := cmd.Flags().GetBool("no-livereload")
	forcePrerender, _ := cmd.Flags().GetBool("prerender")

	p, err := newPipeline(cfg, logger, pipelineOptions{
		Watch:      true,
		Write:      cfg.Output.Write && !noWrite,
		Prerender:  cfg.Prerender.Enabled || forcePrerender,
		LiveReload: cfg.LiveReload.Enabled && !noLiveReload,
		Out:        cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.run(ctx)
}
