// Package config provides configuration management for buildwatch using
// Viper for loading from files, environment variables and command-line flags.
//
// Values come from .buildwatch.yml (or the file named by --config or
// BUILDWATCH_CONFIG_FILE), then BUILDWATCH_<SECTION>_<OPTION> environment
// variables. A .env file in the working directory is loaded into the
// environment first and never overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/conneroisu/buildwatch/internal/action"
	"github.com/conneroisu/buildwatch/internal/budget"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "BUILDWATCH"
	// EnvConfigFile names a config file when --config is not given.
	EnvConfigFile = "BUILDWATCH_CONFIG_FILE"
	// DefaultConfigName is the config file searched in the working directory.
	DefaultConfigName = ".buildwatch"
)

type Config struct {
	Project    ProjectConfig    `mapstructure:"project"`
	Build      BuildConfig      `mapstructure:"build"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Output     OutputConfig     `mapstructure:"output"`
	Prerender  PrerenderConfig  `mapstructure:"prerender"`
	LiveReload LiveReloadConfig `mapstructure:"livereload"`
	Log        LogConfig        `mapstructure:"log"`
}

type ProjectConfig struct {
	Root          string `mapstructure:"root"`
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

type BuildConfig struct {
	// Command is split like a shell would, without expansion.
	Command      string             `mapstructure:"command"`
	Env          []string           `mapstructure:"env"`
	OutputDir    string             `mapstructure:"output_dir"`
	CacheDir     string             `mapstructure:"cache_dir"`
	Watch        []string           `mapstructure:"watch"`
	Ignore       []string           `mapstructure:"ignore"`
	ServerPrefix string             `mapstructure:"server_prefix"`
	MediaPrefix  string             `mapstructure:"media_prefix"`
	Assets       []action.AssetGlob `mapstructure:"assets"`
	Budgets      []budget.Budget    `mapstructure:"budgets"`
}

type WatchConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Poll switches to the polling watcher with this interval when positive.
	Poll             time.Duration `mapstructure:"poll"`
	Debounce         time.Duration `mapstructure:"debounce"`
	ClearScreen      bool          `mapstructure:"clear_screen"`
	WatchRoot        bool          `mapstructure:"watch_root"`
	PreserveSymlinks bool          `mapstructure:"preserve_symlinks"`
	Incremental      bool          `mapstructure:"incremental"`
	Verbose          bool          `mapstructure:"verbose"`
}

type OutputConfig struct {
	Write         bool `mapstructure:"write"`
	Precompress   bool `mapstructure:"precompress"`
	DeleteRemoved bool `mapstructure:"delete_removed"`
	// Server writes server kinds too. Browser output is always written.
	Server bool `mapstructure:"server"`
}

type PrerenderConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RoutesFile     string `mapstructure:"routes_file"`
	DiscoverRoutes bool   `mapstructure:"discover_routes"`
	ManifestPath   string `mapstructure:"manifest_path"`
	MaxThreads     int    `mapstructure:"max_threads"`
	BaseHref       string `mapstructure:"base_href"`
	AppShellRoute  string `mapstructure:"app_shell_route"`
	Verbose        bool   `mapstructure:"verbose"`

	ShellPath string `mapstructure:"shell_path"`
	PagesDir  string `mapstructure:"pages_dir"`
	// Layout names a page layout: "" or "section".
	Layout    string `mapstructure:"layout"`
	SiteTitle string `mapstructure:"site_title"`
	InlineCSS bool   `mapstructure:"inline_css"`
	GFM       bool   `mapstructure:"gfm"`
	Unsafe    bool   `mapstructure:"unsafe_html"`
}

type LiveReloadConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("project.root", ".")
	v.SetDefault("build.output_dir", "dist")
	v.SetDefault("build.cache_dir", ".buildwatch/cache")
	v.SetDefault("build.watch", []string{"src/**/*"})
	v.SetDefault("build.ignore", []string{"node_modules", ".git", "dist"})
	v.SetDefault("build.server_prefix", "server/")
	v.SetDefault("build.media_prefix", "media/")

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", "250ms")
	v.SetDefault("watch.incremental", true)

	v.SetDefault("output.write", true)
	v.SetDefault("output.delete_removed", true)
	v.SetDefault("output.server", true)

	v.SetDefault("prerender.max_threads", 0)
	v.SetDefault("prerender.base_href", "/")
	v.SetDefault("prerender.shell_path", "server/index.server.html")
	v.SetDefault("prerender.pages_dir", "server/pages")
	v.SetDefault("prerender.gfm", true)

	v.SetDefault("livereload.enabled", true)
	v.SetDefault("livereload.addr", "localhost:35729")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Init prepares v to read configuration. cfgFile wins over
// BUILDWATCH_CONFIG_FILE, which wins over .buildwatch.yml in the working
// directory. A missing default file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	if err := loadDotEnv(".env"); err != nil {
		return err
	}

	switch {
	case cfgFile != "":
		v.SetConfigFile(cfgFile)
	case os.Getenv(EnvConfigFile) != "":
		v.SetConfigFile(os.Getenv(EnvConfigFile))
	default:
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(DefaultConfigName)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

func loadDotEnv(name string) error {
	if _, err := os.Stat(name); err != nil {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		return fmt.Errorf("loading %s: %w", name, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v. A nil v uses the
// global viper instance.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	// Environment overrides of slices arrive as one space separated string.
	if v.IsSet("build.watch") {
		config.Build.Watch = v.GetStringSlice("build.watch")
	}
	if v.IsSet("build.ignore") {
		config.Build.Ignore = v.GetStringSlice("build.ignore")
	}

	result := Validate(&config)
	if result.HasErrors() {
		return nil, fmt.Errorf("invalid configuration:\n%s", result.String())
	}
	return &config, nil
}
