// Package stats holds the live debug counters for C3 and C4 referenced in
// §4.4/§4.3 of SPEC_FULL.md. Adapted from the teacher gateway's
// PerformanceTracker: generalized from a per-model mutex-guarded map with
// latency percentile computation down to the handful of monotonically
// increasing counters the capture path actually needs, switched to
// sync/atomic so incrementing a counter never contends with another
// connection or packet on the hot path.
package stats

import "sync/atomic"

// SnifferStats are C4's debug counters, per §4.4's "record construction and
// debug counters" section.
type SnifferStats struct {
	PacketsObserved       int64
	PayloadsBuffered      int64
	ExtractionAttempts    int64
	SuccessfulExtractions int64
	ActiveBuffers         int64
}

func (s *SnifferStats) IncPacketsObserved()       { atomic.AddInt64(&s.PacketsObserved, 1) }
func (s *SnifferStats) IncPayloadsBuffered()       { atomic.AddInt64(&s.PayloadsBuffered, 1) }
func (s *SnifferStats) IncExtractionAttempts()     { atomic.AddInt64(&s.ExtractionAttempts, 1) }
func (s *SnifferStats) IncSuccessfulExtractions()  { atomic.AddInt64(&s.SuccessfulExtractions, 1) }
func (s *SnifferStats) SetActiveBuffers(n int64)   { atomic.StoreInt64(&s.ActiveBuffers, n) }

// Snapshot returns a point-in-time copy safe to print or serialize.
func (s *SnifferStats) Snapshot() SnifferStats {
	return SnifferStats{
		PacketsObserved:       atomic.LoadInt64(&s.PacketsObserved),
		PayloadsBuffered:      atomic.LoadInt64(&s.PayloadsBuffered),
		ExtractionAttempts:    atomic.LoadInt64(&s.ExtractionAttempts),
		SuccessfulExtractions: atomic.LoadInt64(&s.SuccessfulExtractions),
		ActiveBuffers:         atomic.LoadInt64(&s.ActiveBuffers),
	}
}

// ProxyStats are C3's debug counters, per §4.3's failure-semantics table.
type ProxyStats struct {
	ConnectionsAccepted int64
	Intercepted         int64
	Tunnelled           int64
	OriginErrors        int64
}

func (s *ProxyStats) IncConnectionsAccepted() { atomic.AddInt64(&s.ConnectionsAccepted, 1) }
func (s *ProxyStats) IncIntercepted()         { atomic.AddInt64(&s.Intercepted, 1) }
func (s *ProxyStats) IncTunnelled()           { atomic.AddInt64(&s.Tunnelled, 1) }
func (s *ProxyStats) IncOriginErrors()        { atomic.AddInt64(&s.OriginErrors, 1) }

// Snapshot returns a point-in-time copy safe to print or serialize.
func (s *ProxyStats) Snapshot() ProxyStats {
	return ProxyStats{
		ConnectionsAccepted: atomic.LoadInt64(&s.ConnectionsAccepted),
		Intercepted:         atomic.LoadInt64(&s.Intercepted),
		Tunnelled:           atomic.LoadInt64(&s.Tunnelled),
		OriginErrors:        atomic.LoadInt64(&s.OriginErrors),
	}
}
