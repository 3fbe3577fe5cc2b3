package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/conneroisu/buildwatch/internal/budget"
	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/prerender"
	"github.com/conneroisu/buildwatch/internal/validation"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

func (vr *ValidationResult) addError(field string, value interface{}, msg string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, msg string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder
	write := func(title string, issues []ValidationError) {
		if len(issues) == 0 {
			return
		}
		builder.WriteString(title + ":\n")
		for _, issue := range issues {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", issue.Field, issue.Message))
			for _, suggestion := range issue.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}
	write("Validation errors", vr.Errors)
	write("Validation warnings", vr.Warnings)
	return builder.String()
}

// Validate checks every section of config.
func Validate(config *Config) *ValidationResult {
	result := &ValidationResult{}
	validateProject(&config.Project, result)
	validateBuild(&config.Build, result)
	validateWatch(&config.Watch, result)
	validatePrerender(&config.Prerender, result)
	validateLiveReload(&config.LiveReload, result)
	validateLog(&config.Log, result)
	return result
}

func validateProject(config *ProjectConfig, result *ValidationResult) {
	if config.Root == "" {
		result.addError("project.root", config.Root, "project root cannot be empty", "Use '.' for the working directory")
	}
}

func validateBuild(config *BuildConfig, result *ValidationResult) {
	if strings.TrimSpace(config.Command) == "" {
		result.addError("build.command", config.Command, "build command cannot be empty",
			"Use the command that builds your app, e.g. 'npm run build'")
	} else if _, err := CommandArgs(config.Command); err != nil {
		result.addError("build.command", config.Command, err.Error(),
			"Avoid shell metacharacters in build commands",
			"Wrap the pipeline in a script and call the script")
	}

	for _, p := range []struct{ field, value string }{
		{"build.output_dir", config.OutputDir},
		{"build.cache_dir", config.CacheDir},
	} {
		if p.value == "" {
			continue
		}
		if err := validation.ValidatePath(p.value); err != nil {
			result.addError(p.field, p.value, err.Error())
		}
	}

	if config.ServerPrefix != "" && !strings.HasSuffix(config.ServerPrefix, "/") {
		result.addWarning("build.server_prefix", config.ServerPrefix, "prefix does not end with '/'",
			"Files like 'serverless.js' would be classified as server output")
	}

	for i, a := range config.Assets {
		field := fmt.Sprintf("build.assets[%d]", i)
		if a.Input == "" || a.Glob == "" {
			result.addError(field, a, "asset entries need input and glob")
			continue
		}
		if err := validation.ValidatePath(a.Input); err != nil {
			result.addError(field+".input", a.Input, err.Error())
		}
	}

	for i, b := range config.Budgets {
		if err := b.Validate(); err != nil {
			result.addError(fmt.Sprintf("build.budgets[%d]", i), b, err.Error(),
				fmt.Sprintf("Valid types: %s, %s, %s, %s, %s",
					budget.TypeAll, budget.TypeAllScript, budget.TypeAny, budget.TypeAnyScript, budget.TypeBundle))
		}
	}
}

func validateWatch(config *WatchConfig, result *ValidationResult) {
	if config.Poll < 0 {
		result.addError("watch.poll", config.Poll, "poll interval cannot be negative")
	}
	if config.Debounce < 0 {
		result.addError("watch.debounce", config.Debounce, "debounce cannot be negative")
	}
}

// String names the watch backend.
func (w WatchConfig) String() string {
	if w.Poll > 0 {
		return "poll(" + w.Poll.String() + ")"
	}
	return "native"
}

func validatePrerender(config *PrerenderConfig, result *ValidationResult) {
	if !config.Enabled {
		return
	}
	if config.MaxThreads < 0 {
		result.addError("prerender.max_threads", config.MaxThreads, "max threads cannot be negative",
			"Use 0 for one worker per CPU")
	}
	if config.RoutesFile == "" && !config.DiscoverRoutes && config.AppShellRoute == "" {
		result.addWarning("prerender", nil, "no routes to prerender",
			"Set prerender.routes_file, prerender.discover_routes or prerender.app_shell_route")
	}
	if config.RoutesFile != "" {
		if err := validation.ValidatePath(config.RoutesFile); err != nil {
			result.addError("prerender.routes_file", config.RoutesFile, err.Error())
		}
	}
	if _, err := prerender.LayoutByName(config.Layout); err != nil {
		result.addError("prerender.layout", config.Layout, err.Error(), "Use \"section\" or leave it empty")
	}
}

func validateLiveReload(config *LiveReloadConfig, result *ValidationResult) {
	if !config.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(config.Addr); err != nil {
		result.addError("livereload.addr", config.Addr, err.Error(), "Use host:port, e.g. 'localhost:35729'")
	}
}

func validateLog(config *LogConfig, result *ValidationResult) {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		result.addError("log.level", config.Level, err.Error(), "Use debug, info, warn or error")
	}
	if config.Format != "text" && config.Format != "json" {
		result.addError("log.format", config.Format, "unknown log format", "Use text or json")
	}
}

// CommandArgs splits a configured command line into a validated argv.
func CommandArgs(line string) ([]string, error) {
	args, err := validation.SplitCommandLine(line)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateCommandLine(args); err != nil {
		return nil, err
	}
	return args, nil
}
