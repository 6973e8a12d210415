package agent

import (
	"runtime"

	"github.com/cloudrpa/fleet/internal/protocol"
)

// MetricsSampler reports point-in-time host utilization for presence
// broadcasts. Implementations must be safe for concurrent use.
type MetricsSampler interface {
	Sample() protocol.HostMetrics
}

// runtimeSampler is the default sampler. It reports Go-runtime memory
// pressure only; CPU sampling needs host integration, so embedders that
// want real utilization inject their own MetricsSampler.
type runtimeSampler struct{}

func (runtimeSampler) Sample() protocol.HostMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var memPct float64
	if ms.Sys > 0 {
		memPct = float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	}
	return protocol.HostMetrics{MemoryPercent: memPct}
}
