// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector. Counters are atomic and registered on first
// use; probes are named functions evaluated at snapshot time.

package control

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// MetricsRegistry holds counters and probe gauges.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	probes   map[string]func() any
	started  time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*atomic.Int64),
		probes:   make(map[string]func() any),
		started:  time.Now(),
	}
}

func (mr *MetricsRegistry) counter(name string) *atomic.Int64 {
	mr.mu.RLock()
	c, ok := mr.counters[name]
	mr.mu.RUnlock()
	if ok {
		return c
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c, ok = mr.counters[name]; !ok {
		c = new(atomic.Int64)
		mr.counters[name] = c
	}
	return c
}

// Inc adds one to the named counter.
func (mr *MetricsRegistry) Inc(name string) { mr.counter(name).Add(1) }

// Add adds delta to the named counter.
func (mr *MetricsRegistry) Add(name string, delta int64) { mr.counter(name).Add(delta) }

// Counter returns the current value of a counter (0 if never touched).
func (mr *MetricsRegistry) Counter(name string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if c, ok := mr.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// RegisterProbe installs a gauge evaluated on every snapshot.
func (mr *MetricsRegistry) RegisterProbe(name string, fn func() any) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.probes[name] = fn
}

// RegisterRuntimeProbes adds process-level gauges.
func (mr *MetricsRegistry) RegisterRuntimeProbes() {
	mr.RegisterProbe("runtime.os", func() any { return runtime.GOOS })
	mr.RegisterProbe("runtime.cpus", func() any { return runtime.NumCPU() })
	mr.RegisterProbe("runtime.goroutines", func() any { return runtime.NumGoroutine() })
}

// GetSnapshot returns counters and evaluated probes in one map.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	probes := make(map[string]func() any, len(mr.probes))
	out := make(map[string]any, len(mr.counters)+len(mr.probes)+1)
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	for k, fn := range mr.probes {
		probes[k] = fn
	}
	mr.mu.RUnlock()

	// probes run unlocked so they may read the registry
	for k, fn := range probes {
		out[k] = fn()
	}
	out["uptime_seconds"] = int64(time.Since(mr.started).Seconds())
	return out
}

// JSON encodes the current snapshot.
func (mr *MetricsRegistry) JSON() ([]byte, error) {
	return sonnet.Marshal(mr.GetSnapshot())
}
