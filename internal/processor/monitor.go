package processor

import (
	"log/slog"
	"runtime"
	"time"
)

// monitorMemory polls heap usage for one run until stop is closed. Crossing
// 90% of the ceiling triggers a GC hint and a warning; memory overrun is a
// soft-degradation signal, never a hard abort.
func monitorMemory(stop <-chan struct{}, interval time.Duration, ceiling uint64, run *runState, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	threshold := ceiling / 10 * 9

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			run.update(func(st *RunStats) {
				st.MemoryUsage = m.HeapAlloc
			})

			if ceiling > 0 && m.HeapAlloc > threshold {
				logger.Warn("memory usage near ceiling, requesting GC",
					"heapAlloc", m.HeapAlloc, "ceiling", ceiling)
				runtime.GC()
			}
		}
	}
}
