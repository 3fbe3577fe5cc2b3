package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	testCases := []struct {
		kind     Kind
		expected string
	}{
		{KindBrowser, "browser"},
		{KindMedia, "media"},
		{KindServerApplication, "server-application"},
		{KindServerRoot, "server-root"},
		{KindRoot, "root"},
		{Kind(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.kind.String())
		})
	}
}

func TestNormalizePath(t *testing.T) {
	testCases := map[string]string{
		"/main.js":             "main.js",
		"main.js":              "main.js",
		"server\\main.mjs":     "server/main.mjs",
		"./assets/../logo.png": "logo.png",
		"a//b/":                "a/b",
	}

	for input, expected := range testCases {
		t.Run(input, func(t *testing.T) {
			assert.Equal(t, expected, NormalizePath(input))
		})
	}
}

func TestHashContentsIsStable(t *testing.T) {
	first := HashContents([]byte("console.log(1)"))
	second := HashContents([]byte("console.log(1)"))
	changed := HashContents([]byte("console.log(2)"))

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, changed)
	assert.Len(t, first, 64)
}

func TestHashFileMatchesHashContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "styles.css")
	require.NoError(t, os.WriteFile(path, []byte("body{}"), 0o644))

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, HashContents([]byte("body{}")), hash)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSetAccessors(t *testing.T) {
	set := &Set{}
	set.Add("/main.js", KindBrowser, []byte("a"))
	set.Add("server/main.mjs", KindServerApplication, []byte("b"))
	set.Assets = append(set.Assets, AssetFile{Source: "/src/favicon.ico", Destination: "/favicon.ico"})

	got, ok := set.Lookup("main.js")
	require.True(t, ok)
	assert.Equal(t, OriginMemory, got.Origin)
	assert.Equal(t, HashContents([]byte("a")), got.Hash)

	assert.Equal(t, []string{"main.js", "server/main.mjs"}, set.SortedPaths())
	assert.Equal(t, map[string]string{"/src/favicon.ico": "favicon.ico"}, set.AssetsInfo())
	assert.Equal(t, KindServerApplication, set.OutputKinds()["server/main.mjs"])
	assert.False(t, set.HasErrors())

	set.Errors = append(set.Errors, "boom")
	assert.True(t, set.HasErrors())
}
