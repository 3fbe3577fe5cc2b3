package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build once and write the output",
	Long: `Run the build command once, snapshot its output and write it to the
output directory. Size budgets are checked against the browser output.

Examples:
  buildwatch build                        # Build with .buildwatch.yml
  buildwatch build -c "npm run build"     # Override the build command
  buildwatch build --precompress          # Also write .gz siblings
  buildwatch build --prerender            # Prerender configured routes`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := bindFlags(cmd.Flags(), buildFlagKeys); err != nil {
			return err
		}
		return bindFlags(cmd.Flags(), prerenderFlagKeys)
	},
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	addBuildFlags(buildCmd.Flags())
	addPrerenderFlags(buildCmd.Flags())
	buildCmd.Flags().Bool("prerender", false, "Prerender routes after the build")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	noWrite, _ := cmd.Flags().GetBool("no-write")
	forcePrerender, _ := cmd.Flags().GetBool("prerender")

	p, err := newPipeline(cfg, logger, pipelineOptions{
		Write:     cfg.Output.Write && !noWrite,
		Prerender: cfg.Prerender.Enabled || forcePrerender,
		Out:       cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.run(ctx)
}
