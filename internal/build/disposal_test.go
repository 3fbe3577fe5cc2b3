package build

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/buildwatch/internal/errors"
	"github.com/conneroisu/buildwatch/internal/results"
)

func TestDisposalStackReverseOrder(t *testing.T) {
	var order []string
	stack := &DisposalStack{}
	for _, name := range []string{"first", "second", "third"} {
		stack.Push(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	stack.Push("ignored", nil)
	assert.Equal(t, 3, stack.Len())

	require.NoError(t, stack.Dispose())
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Equal(t, 0, stack.Len())

	require.NoError(t, stack.Dispose())
	assert.Len(t, order, 3)
}

func TestDisposalStackRunsEveryEntry(t *testing.T) {
	ran := 0
	stack := &DisposalStack{}
	stack.Push("ok", func() error { ran++; return nil })
	stack.Push("fails", func() error { ran++; return stderrors.New("close failed") })
	stack.Push("panics", func() error { ran++; panic("unexpected") })

	err := stack.Dispose()
	require.Error(t, err)
	assert.Equal(t, 3, ran)

	errs := errors.Flatten(err)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "disposing panics")
	assert.Contains(t, errs[0].Error(), "panic: unexpected")
	assert.Contains(t, errs[1].Error(), "disposing fails")
	assert.True(t, errors.HasCode(errs[1], errors.ErrCodeDispose))
}

func TestBuildMetrics(t *testing.T) {
	m := NewBuildMetrics()
	assert.Zero(t, m.GetSuccessRate())

	m.RecordBuild(results.KindFailure, 10)
	m.RecordBuild(results.KindIncremental, 30)
	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.FailedBuilds)
	assert.Equal(t, int64(1), snapshot.IncrementalBuilds)
	assert.Equal(t, int64(2), snapshot.TotalBuilds)
	assert.EqualValues(t, 20, snapshot.AverageDuration)
	assert.InDelta(t, 50.0, m.GetSuccessRate(), 0.001)

	m.Reset()
	assert.Zero(t, m.GetSnapshot().TotalBuilds)
}
