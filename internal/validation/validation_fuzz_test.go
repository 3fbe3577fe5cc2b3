package validation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// FuzzSplitCommandLine checks that splitting never panics and that words
// produced from plain input round-trip through a space join.
func FuzzSplitCommandLine(f *testing.F) {
	f.Add("npm run build")
	f.Add(`node build.js --title "My Site"`)
	f.Add(`echo 'single' "double" back\ slash`)
	f.Add(`"unterminated`)
	f.Add(`trailing\`)
	f.Add("")
	f.Add("\t\n  ")

	f.Fuzz(func(t *testing.T, line string) {
		if len(line) > 10000 || !utf8.ValidString(line) {
			t.Skip("unsupported input")
		}

		argv, err := SplitCommandLine(line)
		if err != nil {
			return
		}

		if !strings.ContainsAny(line, `'"\`) {
			if got, want := strings.Join(argv, " "), strings.Join(strings.Fields(line), " "); got != want {
				t.Errorf("SplitCommandLine(%q) = %q, want fields %q", line, got, want)
			}
		}
	})
}

// FuzzValidateArgument checks that accepted arguments never carry a
// dangerous character.
func FuzzValidateArgument(f *testing.F) {
	f.Add("build")
	f.Add("build; rm -rf /")
	f.Add("$(id)")
	f.Add("a\x00b")

	f.Fuzz(func(t *testing.T, arg string) {
		if ValidateArgument(arg) != nil {
			return
		}
		for _, char := range dangerous {
			if strings.Contains(arg, char) {
				t.Errorf("ValidateArgument accepted %q containing %q", arg, char)
			}
		}
	})
}
