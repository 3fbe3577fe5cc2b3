// Package validation checks user supplied command lines, paths and
// websocket origins before they are used.
package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"
)

// dangerous characters are rejected in build command arguments. Commands
// run without a shell, so these only appear when someone expects one.
var dangerous = []string{";", "&", "|", "$", "`", "<", ">", "\x00", "\n", "\r"}

// ValidateArgument validates a command line argument to prevent injection attacks
func ValidateArgument(arg string) error {
	for _, char := range dangerous {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %q", char)
		}
	}
	return nil
}

// ValidateCommandLine validates a build command argv.
func ValidateCommandLine(argv []string) error {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return fmt.Errorf("command cannot be empty")
	}
	for i, arg := range argv {
		if err := ValidateArgument(arg); err != nil {
			if i == 0 {
				return fmt.Errorf("invalid command '%s': %w", arg, err)
			}
			return fmt.Errorf("invalid argument '%s': %w", arg, err)
		}
	}
	return nil
}

// SplitCommandLine splits a command line into argv. Single and double
// quotes group words; a backslash escapes the next character outside
// single quotes.
func SplitCommandLine(line string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash in command line")
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in command line", quote)
	}
	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}

// ValidatePath validates a configured file path to prevent path traversal
// outside the project.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
			if part == ".." {
				return fmt.Errorf("path traversal detected: %s", path)
			}
		}
	}
	for _, char := range dangerous {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %q", char)
		}
	}
	return nil
}

// ValidateOrigin validates WebSocket origin for CSRF protection
func ValidateOrigin(origin string, allowedOrigins []string) error {
	if origin == "" {
		return fmt.Errorf("origin header is required")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}

	// Only allow http/https schemes
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme '%s': only http and https are allowed", originURL.Scheme)
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed || originURL.Host == allowed {
			return nil
		}
	}

	return fmt.Errorf("origin '%s' is not in allowed origins list", origin)
}
