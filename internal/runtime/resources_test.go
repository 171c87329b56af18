package runtime

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no previous sample to compare against")
	assert.NotZero(t, first.HeapBytes)
	assert.Positive(t, first.Goroutines)

	runtime.GC()

	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
	assert.LessOrEqual(t, second.CPUPercent, 100.0)
	assert.Greater(t, second.GCCycles, first.GCCycles)
}

func TestResourceTrackerNil(t *testing.T) {
	var tracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
}

func TestResourceTrackerZeroValue(t *testing.T) {
	tracker := &resourceTracker{}

	snap := tracker.Snapshot()

	assert.NotZero(t, snap.HeapBytes)
	assert.Len(t, tracker.samples, 5)
}
