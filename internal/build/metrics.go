package build

import (
	"sync"
	"time"

	"github.com/conneroisu/buildwatch/internal/results"
)

// BuildMetrics tracks build outcomes for one runner
type BuildMetrics struct {
	TotalBuilds       int64
	SuccessfulBuilds  int64
	FailedBuilds      int64
	IncrementalBuilds int64
	AverageDuration   time.Duration
	TotalDuration     time.Duration
	LastDuration      time.Duration
	mutex             sync.RWMutex
}

// NewBuildMetrics creates a new build metrics tracker
func NewBuildMetrics() *BuildMetrics {
	return &BuildMetrics{}
}

// RecordBuild records the final result kind of one build
func (bm *BuildMetrics) RecordBuild(kind results.Kind, duration time.Duration) {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalBuilds++
	bm.TotalDuration += duration
	bm.LastDuration = duration

	switch kind {
	case results.KindFailure:
		bm.FailedBuilds++
	case results.KindIncremental:
		bm.IncrementalBuilds++
		bm.SuccessfulBuilds++
	default:
		bm.SuccessfulBuilds++
	}

	bm.AverageDuration = bm.TotalDuration / time.Duration(bm.TotalBuilds)
}

// GetSnapshot returns a snapshot of current metrics
func (bm *BuildMetrics) GetSnapshot() BuildMetrics {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()
	return BuildMetrics{
		TotalBuilds:       bm.TotalBuilds,
		SuccessfulBuilds:  bm.SuccessfulBuilds,
		FailedBuilds:      bm.FailedBuilds,
		IncrementalBuilds: bm.IncrementalBuilds,
		AverageDuration:   bm.AverageDuration,
		TotalDuration:     bm.TotalDuration,
		LastDuration:      bm.LastDuration,
	}
}

// Reset resets all metrics
func (bm *BuildMetrics) Reset() {
	bm.mutex.Lock()
	defer bm.mutex.Unlock()

	bm.TotalBuilds = 0
	bm.SuccessfulBuilds = 0
	bm.FailedBuilds = 0
	bm.IncrementalBuilds = 0
	bm.AverageDuration = 0
	bm.TotalDuration = 0
	bm.LastDuration = 0
}

// GetSuccessRate returns the success rate as a percentage
func (bm *BuildMetrics) GetSuccessRate() float64 {
	bm.mutex.RLock()
	defer bm.mutex.RUnlock()

	if bm.TotalBuilds == 0 {
		return 0.0
	}

	return float64(bm.SuccessfulBuilds) / float64(bm.TotalBuilds) * 100.0
}
