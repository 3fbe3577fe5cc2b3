package watcher

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides whether a path is excluded from watching. Patterns with
// glob metacharacters use doublestar syntax; plain paths exclude themselves
// and everything beneath them.
type Matcher struct {
	globs    []string
	prefixes []string
}

// NewMatcher compiles ignore patterns. Invalid globs are reported.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !hasMeta(pattern) {
			m.prefixes = append(m.prefixes, filepath.Clean(pattern))
			continue
		}
		slashed := filepath.ToSlash(pattern)
		if !doublestar.ValidatePattern(slashed) {
			return nil, &PatternError{Pattern: pattern}
		}
		m.globs = append(m.globs, slashed)
	}
	return m, nil
}

// PatternError reports an ignore pattern doublestar cannot parse.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return "invalid ignore pattern: " + e.Pattern
}

// Match reports whether path is ignored.
func (m *Matcher) Match(path string) bool {
	if m == nil {
		return false
	}
	path = filepath.Clean(path)
	for _, prefix := range m.prefixes {
		if isWithin(prefix, path) {
			return true
		}
	}
	slashed := filepath.ToSlash(path)
	for _, glob := range m.globs {
		if matchGlob(glob, slashed) {
			return true
		}
	}
	return false
}

func matchGlob(glob, slashed string) bool {
	candidates := []string{slashed}
	if !strings.HasPrefix(glob, "/") && strings.HasPrefix(slashed, "/") {
		candidates = append(candidates, strings.TrimPrefix(slashed, "/"))
	}
	for _, c := range candidates {
		if ok, _ := doublestar.Match(glob, c); ok {
			return true
		}
		// A directory pattern such as **/node_modules/** also excludes the
		// directory itself so it is never descended.
		if ok, _ := doublestar.Match(glob, c+"/_"); ok {
			return true
		}
	}
	return false
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// isWithin reports whether path equals dir or lies beneath it.
func isWithin(dir, path string) bool {
	if dir == path {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// NoGitFilter reports whether path is outside version control metadata.
func NoGitFilter(path string) bool {
	slashed := filepath.ToSlash(path)
	return !strings.HasPrefix(slashed, ".git/") && !strings.Contains(slashed, "/.git/")
}

// NoEditorTempFilter rejects swap and backup files written by editors.
func NoEditorTempFilter(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, "~"),
		strings.HasSuffix(base, ".swp"),
		strings.HasSuffix(base, ".swx"),
		strings.HasPrefix(base, ".#"):
		return false
	}
	return true
}
