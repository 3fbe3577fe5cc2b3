package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var prerenderCmd = &cobra.Command{
	Use:   "prerender",
	Short: "Build and prerender routes",
	Long: `Build once, then render every route into <route>/index.html in the
output directory and write prerendered-routes.json next to it.

Routes come from a routes file, from the server route manifest, and from
the app shell route. Redirects and routes with parameters are skipped.

Examples:
  buildwatch prerender --routes-file routes.txt
  buildwatch prerender --discover-routes --max-threads 4
  buildwatch prerender --app-shell-route /shell --base-href /app/`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := bindFlags(cmd.Flags(), buildFlagKeys); err != nil {
			return err
		}
		return bindFlags(cmd.Flags(), prerenderFlagKeys)
	},
	RunE: runPrerender,
}

func init() {
	rootCmd.AddCommand(prerenderCmd)

	addBuildFlags(prerenderCmd.Flags())
	addPrerenderFlags(prerenderCmd.Flags())
}

func runPrerender(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	noWrite, _ := cmd.Flags().GetBool("no-write")

	p, err := newPipeline(cfg, logger, pipelineOptions{
		Write:     cfg.Output.Write && !noWrite,
		Prerender: true,
		Out:       cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.run(ctx)
}
