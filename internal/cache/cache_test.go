package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engine struct{ name string }

func TestProcessorCacheSharesEntries(t *testing.T) {
	c := NewProcessorCache[*engine](2)
	builds := 0
	build := func() (*engine, error) {
		builds++
		return &engine{name: "gfm"}, nil
	}

	a, releaseA, err := c.Acquire("gfm", build)
	require.NoError(t, err)
	b, releaseB, err := c.Acquire("gfm", build)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, builds)

	releaseA()
	releaseA()
	releaseB()
	assert.Equal(t, 1, c.Len())

	hits, misses, _ := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestProcessorCacheEvictsIdleOnly(t *testing.T) {
	c := NewProcessorCache[*engine](1)
	build := func(name string) func() (*engine, error) {
		return func() (*engine, error) { return &engine{name: name}, nil }
	}

	_, releaseA, err := c.Acquire("a", build("a"))
	require.NoError(t, err)
	_, releaseB, err := c.Acquire("b", build("b"))
	require.NoError(t, err)

	// Both in use: nothing can go.
	assert.Equal(t, 2, c.Len())

	releaseB()
	// b is idle but a is still held; b is evicted to get back to capacity.
	assert.Equal(t, 1, c.Len())

	releaseA()
	assert.Equal(t, 1, c.Len())
	_, _, evictions := c.Stats()
	assert.Equal(t, int64(1), evictions)
}

func TestProcessorCacheBuildError(t *testing.T) {
	c := NewProcessorCache[*engine](4)
	_, release, err := c.Acquire("bad", func() (*engine, error) { return nil, errors.New("bad config") })
	require.Error(t, err)
	release()
	assert.Equal(t, 0, c.Len())
}

func TestProcessorCacheConcurrent(t *testing.T) {
	c := NewProcessorCache[*engine](2)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"a", "b", "c"}[i%3]
			e, release, err := c.Acquire(key, func() (*engine, error) { return &engine{name: key}, nil })
			if assert.NoError(t, err) {
				assert.Equal(t, key, e.name)
			}
			release()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 2)
}

func TestHashCacheFileHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logo.svg")
	require.NoError(t, os.WriteFile(path, []byte("<svg/>"), 0o644))

	c := NewHashCache(16)
	first, err := c.FileHash(path)
	require.NoError(t, err)
	second, err := c.FileHash(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.InDelta(t, 0.5, c.GetHitRate(), 0.001)

	require.NoError(t, os.WriteFile(path, []byte("<svg viewBox='0 0 1 1'/>"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	third, err := c.FileHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	_, err = c.FileHash(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestHashCacheEviction(t *testing.T) {
	c := NewHashCache(2)
	c.Set("a", "1")
	c.Set("b", "2")
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", "3")

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}
