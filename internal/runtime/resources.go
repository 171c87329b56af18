package runtime

import (
	"runtime/metrics"
	"sync"
)

// ResourceUsage is the process footprint reported by the status endpoint,
// so operators can tell a stalled dispatch engine from a saturated one.
type ResourceUsage struct {
	// CPUPercent is the share of GOMAXPROCS capacity spent busy since the
	// previous snapshot. Zero on the first snapshot.
	CPUPercent float64 `json:"cpu_percent"`
	HeapBytes  uint64  `json:"heap_bytes"`
	Goroutines uint64  `json:"goroutines"`
	GCCycles   uint64  `json:"gc_cycles"`
}

const (
	metricCPUTotal   = "/cpu/classes/total:cpu-seconds"
	metricCPUIdle    = "/cpu/classes/idle:cpu-seconds"
	metricHeap       = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
	metricGCCycles   = "/gc/cycles/total:gc-cycles"
)

// resourceTracker reads runtime/metrics for the status payload. The zero
// value is ready to use.
type resourceTracker struct {
	mu        sync.Mutex
	samples   []metrics.Sample
	lastTotal float64
	lastBusy  float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{samples: newResourceSamples()}
}

func newResourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: metricCPUTotal},
		{Name: metricCPUIdle},
		{Name: metricHeap},
		{Name: metricGoroutines},
		{Name: metricGCCycles},
	}
}

// Snapshot reads the current usage. Metrics the runtime does not support
// are reported as zero.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = newResourceSamples()
	}
	metrics.Read(r.samples)

	var usage ResourceUsage
	var total, idle float64
	for _, s := range r.samples {
		switch s.Name {
		case metricCPUTotal:
			total = float64Of(s.Value)
		case metricCPUIdle:
			idle = float64Of(s.Value)
		case metricHeap:
			usage.HeapBytes = uint64Of(s.Value)
		case metricGoroutines:
			usage.Goroutines = uint64Of(s.Value)
		case metricGCCycles:
			usage.GCCycles = uint64Of(s.Value)
		}
	}

	busy := total - idle
	if r.lastTotal > 0 {
		if dt := total - r.lastTotal; dt > 0 {
			usage.CPUPercent = max(busy-r.lastBusy, 0) / dt * 100
		}
	}
	r.lastTotal, r.lastBusy = total, busy
	return usage
}

func float64Of(v metrics.Value) float64 {
	if v.Kind() == metrics.KindFloat64 {
		return v.Float64()
	}
	return 0
}

func uint64Of(v metrics.Value) uint64 {
	if v.Kind() == metrics.KindUint64 {
		return v.Uint64()
	}
	return 0
}
