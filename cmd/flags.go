package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag names mapped to the config keys they override.
var (
	buildFlagKeys = map[string]string{
		"command":     "build.command",
		"output-dir":  "build.output_dir",
		"watch-glob":  "build.watch",
		"precompress": "output.precompress",
	}
	prerenderFlagKeys = map[string]string{
		"routes-file":     "prerender.routes_file",
		"discover-routes": "prerender.discover_routes",
		"max-threads":     "prerender.max_threads",
		"base-href":       "prerender.base_href",
		"app-shell-route": "prerender.app_shell_route",
		"verbose-routes":  "prerender.verbose",
	}
)

// bindFlags binds flag names to config keys so a flag given on the command
// line overrides the file and the environment. Several commands define the
// same flags, so binding happens when a command runs, not at init.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// addBuildFlags adds the flags shared by commands that run a build.
func addBuildFlags(flags *pflag.FlagSet) {
	flags.StringP("command", "c", "", "Build command to run")
	flags.StringP("output-dir", "o", "", "Directory the output is written to")
	flags.StringSlice("watch-glob", nil, "Files to watch besides the build output's own (glob, repeatable)")
	flags.Bool("precompress", false, "Write .gz siblings for compressible files")
	flags.Bool("no-write", false, "Do not write output to disk")
}

// addPrerenderFlags adds the flags that configure prerendering.
func addPrerenderFlags(flags *pflag.FlagSet) {
	flags.String("routes-file", "", "File listing one route per line")
	flags.Bool("discover-routes", false, "Discover routes from the server route manifest")
	flags.Int("max-threads", 0, "Render workers (0 uses one per CPU)")
	flags.String("base-href", "/", "Base href the application is served under")
	flags.String("app-shell-route", "", "Route rendered as the application shell")
	flags.Bool("verbose-routes", false, "Report skipped routes")
}
