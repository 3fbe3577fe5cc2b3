// Package budget checks output sizes against configured size budgets.
//
// Thresholds are written as plain bytes ("2048"), SI sizes ("500kB",
// "1.5 MB") or, when a baseline is set, percentages of it ("10%"). A
// baseline turns every threshold into a distance from the baseline.
package budget

import (
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/conneroisu/buildwatch/internal/artifact"
	"github.com/conneroisu/buildwatch/internal/errors"
)

// Type selects which files a budget measures.
type Type string

const (
	// TypeAll is the total of every browser file.
	TypeAll Type = "all"
	// TypeAllScript is the total of every script.
	TypeAllScript Type = "allScript"
	// TypeAny checks every browser file on its own.
	TypeAny Type = "any"
	// TypeAnyScript checks every script on its own.
	TypeAnyScript Type = "anyScript"
	// TypeBundle is the total of the files of one named bundle.
	TypeBundle Type = "bundle"
)

// Severity of a violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Budget is one configured size budget.
type Budget struct {
	Type           Type   `mapstructure:"type" yaml:"type"`
	Name           string `mapstructure:"name" yaml:"name"`
	Baseline       string `mapstructure:"baseline" yaml:"baseline"`
	MaximumWarning string `mapstructure:"maximum_warning" yaml:"maximumWarning"`
	MaximumError   string `mapstructure:"maximum_error" yaml:"maximumError"`
	MinimumWarning string `mapstructure:"minimum_warning" yaml:"minimumWarning"`
	MinimumError   string `mapstructure:"minimum_error" yaml:"minimumError"`
	Warning        string `mapstructure:"warning" yaml:"warning"`
	Error          string `mapstructure:"error" yaml:"error"`
}

// Violation is one threshold a measured size broke.
type Violation struct {
	Severity Severity
	Label    string
	Message  string
}

type thresholdKind int

const (
	maximum thresholdKind = iota
	minimum
)

type threshold struct {
	limit    float64
	kind     thresholdKind
	severity Severity
}

type measurement struct {
	label string
	size  float64
}

// Validate reports the first malformed field of b.
func (b Budget) Validate() error {
	switch b.Type {
	case TypeAll, TypeAllScript, TypeAny, TypeAnyScript:
	case TypeBundle:
		if b.Name == "" {
			return errors.NewValidationError(errors.ErrCodeConfigInvalid, "bundle budget requires a name")
		}
	default:
		return errors.NewValidationError(errors.ErrCodeConfigInvalid, fmt.Sprintf("unknown budget type %q", b.Type))
	}
	for _, v := range []string{b.Baseline, b.MaximumWarning, b.MaximumError, b.MinimumWarning, b.MinimumError, b.Warning, b.Error} {
		if v == "" {
			continue
		}
		if _, err := parseSize(v, 0); err != nil {
			return errors.NewValidationError(errors.ErrCodeConfigInvalid, fmt.Sprintf("invalid budget size %q", v))
		}
	}
	if strings.HasSuffix(strings.TrimSpace(b.Baseline), "%") {
		return errors.NewValidationError(errors.ErrCodeConfigInvalid, "budget baseline cannot be a percentage")
	}
	return nil
}

// parseSize converts a size to bytes. Percentages are taken of baseline.
func parseSize(value string, baseline float64) (float64, error) {
	value = strings.TrimSpace(value)
	if pct, ok := strings.CutSuffix(value, "%"); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, err
		}
		return baseline * n / 100, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}

// bytes turns a threshold value into an absolute limit. factor is +1 for
// maximums and -1 for minimums.
func (b Budget) bytes(value string, factor float64) float64 {
	var baseline float64
	if b.Baseline != "" {
		if n, err := parseSize(b.Baseline, 0); err == nil {
			baseline = n
		}
	}
	n, err := parseSize(value, baseline)
	if err != nil {
		return math.NaN()
	}
	if baseline == 0 {
		return n
	}
	return baseline + n*factor
}

func (b Budget) thresholds() []threshold {
	var out []threshold
	add := func(value string, kind thresholdKind, severity Severity) {
		if value == "" {
			return
		}
		factor := 1.0
		if kind == minimum {
			factor = -1
		}
		out = append(out, threshold{limit: b.bytes(value, factor), kind: kind, severity: severity})
	}
	add(b.MaximumWarning, maximum, SeverityWarning)
	add(b.MaximumError, maximum, SeverityError)
	add(b.MinimumWarning, minimum, SeverityWarning)
	add(b.MinimumError, minimum, SeverityError)
	add(b.Warning, minimum, SeverityWarning)
	add(b.Warning, maximum, SeverityWarning)
	add(b.Error, minimum, SeverityError)
	add(b.Error, maximum, SeverityError)
	return out
}

func isScript(p string) bool {
	ext := path.Ext(p)
	return ext == ".js" || ext == ".mjs"
}

// inBundle matches name.js, name-HASH.js and name.HASH.js style files.
func inBundle(p, name string) bool {
	base := path.Base(p)
	return strings.HasPrefix(base, name+".") || strings.HasPrefix(base, name+"-")
}

func (b Budget) measure(set *artifact.Set) []measurement {
	var files []artifact.Artifact
	for _, f := range set.Files {
		if f.Kind.IsBrowser() && path.Ext(f.Path) != ".map" {
			files = append(files, f)
		}
	}

	sum := func(match func(string) bool) float64 {
		var total float64
		for _, f := range files {
			if match(f.Path) {
				total += float64(f.Size())
			}
		}
		return total
	}
	each := func(match func(string) bool) []measurement {
		var out []measurement
		for _, f := range files {
			if match(f.Path) {
				out = append(out, measurement{label: f.Path, size: float64(f.Size())})
			}
		}
		return out
	}
	all := func(string) bool { return true }

	switch b.Type {
	case TypeAll:
		return []measurement{{label: "total", size: sum(all)}}
	case TypeAllScript:
		return []measurement{{label: "total scripts", size: sum(isScript)}}
	case TypeAny:
		return each(all)
	case TypeAnyScript:
		return each(isScript)
	case TypeBundle:
		if b.Name == "" {
			return nil
		}
		return []measurement{{label: b.Name, size: sum(func(p string) bool { return inBundle(p, b.Name) })}}
	}
	return nil
}

func formatSize(n float64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(math.Round(n)))
}

// Check measures set against every budget. Limits that failed to parse
// never trigger.
func Check(budgets []Budget, set *artifact.Set) []Violation {
	var out []Violation
	for _, b := range budgets {
		thresholds := b.thresholds()
		for _, m := range b.measure(set) {
			for _, t := range thresholds {
				switch t.kind {
				case maximum:
					if !(m.size > t.limit) {
						continue
					}
					out = append(out, Violation{
						Severity: t.severity,
						Label:    m.label,
						Message: fmt.Sprintf("%s exceeded maximum budget. Budget %s was not met by %s with a total of %s.",
							m.label, formatSize(t.limit), formatSize(m.size-t.limit), formatSize(m.size)),
					})
				case minimum:
					if !(m.size < t.limit) {
						continue
					}
					out = append(out, Violation{
						Severity: t.severity,
						Label:    m.label,
						Message: fmt.Sprintf("%s failed to meet minimum budget. Budget %s was not met by %s with a total of %s.",
							m.label, formatSize(t.limit), formatSize(t.limit-m.size), formatSize(m.size)),
					})
				}
			}
		}
	}
	return out
}

// Apply appends violations to set as warnings or errors.
func Apply(budgets []Budget, set *artifact.Set) {
	for _, v := range Check(budgets, set) {
		if v.Severity == SeverityError {
			set.Errors = append(set.Errors, v.Message)
		} else {
			set.Warnings = append(set.Warnings, v.Message)
		}
	}
}
