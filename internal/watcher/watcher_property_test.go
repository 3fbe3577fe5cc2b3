//go:build property

package watcher

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// classifyExistence is the expected outcome for a path given only whether it
// existed before the first window and after the last one.
func classifyExistence(before, after bool) (change, bool) {
	switch {
	case !before && after:
		return changeAdded, true
	case before && after:
		return changeModified, true
	case before && !after:
		return changeRemoved, true
	default:
		return 0, false
	}
}

// TestMergeProperties checks that folding per-window classifications gives
// the same answer as classifying the whole span at once.
func TestMergeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 500

	properties := gopter.NewProperties(parameters)

	properties.Property("merging windows equals classifying the span", prop.ForAll(
		func(initial bool, states []bool) bool {
			if len(states) == 0 {
				return true
			}

			var (
				acc     change
				have    bool
				current = initial
			)
			for _, next := range states {
				c, ok := classifyExistence(current, next)
				current = next
				if !ok {
					continue
				}
				if !have {
					acc, have = c, true
					continue
				}
				acc, have = merge(acc, c)
			}

			expected, expectedOK := classifyExistence(initial, current)
			if !expectedOK {
				return !have
			}
			return have && acc == expected
		},
		gen.Bool(),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
