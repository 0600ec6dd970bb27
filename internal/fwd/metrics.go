package fwd

import "sync/atomic"

// Metrics is intentionally tiny and dependency-free.
// Implementations must be thread-safe.
type Metrics interface {
	IncForwarded()
	IncDelivered()
	IncDropped(reason string)
	IncCacheHit()
}

// NoopMetrics is the default.
type NoopMetrics struct{}

func (NoopMetrics) IncForwarded()     {}
func (NoopMetrics) IncDelivered()     {}
func (NoopMetrics) IncDropped(string) {}
func (NoopMetrics) IncCacheHit()      {}

type AtomicMetrics struct {
	forwarded atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	cacheHits atomic.Uint64
}

func (m *AtomicMetrics) IncForwarded()     { m.forwarded.Add(1) }
func (m *AtomicMetrics) IncDelivered()     { m.delivered.Add(1) }
func (m *AtomicMetrics) IncDropped(string) { m.dropped.Add(1) }
func (m *AtomicMetrics) IncCacheHit()      { m.cacheHits.Add(1) }

func (m *AtomicMetrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"forwarded":  m.forwarded.Load(),
		"delivered":  m.delivered.Load(),
		"dropped":    m.dropped.Load(),
		"cache_hits": m.cacheHits.Load(),
	}
}
