// Package metrics collects and exposes HHRF runtime observability data.
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-function counters) served as
//     JSON by JSONHandler, which hhrfd mounts at /_stats. The gateway's
//     /_metrics endpoint is separate and lists registry states instead.
//  2. A Prometheus registry (prometheus.go) at /_metrics/prom for
//     scraping by external monitoring systems.
//
// RecordInvocation is called on every dispatch and stays on the hot
// path: the Metrics counters are updated with atomic increments rather
// than a mutex. Per-function entries come from a sync.Map, and the
// Prometheus collectors it also feeds do their own internal locking.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// FunctionMetrics holds invocation counters for a single function.
type FunctionMetrics struct {
	Invocations atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	TotalMs     atomic.Int64
}

// Metrics collects and exposes HHRF runtime metrics.
type Metrics struct {
	TotalInvocations   atomic.Int64
	SuccessInvocations atomic.Int64
	FailedInvocations  atomic.Int64
	TotalLatencyMs     atomic.Int64

	CacheLoads     atomic.Int64
	CacheHits      atomic.Int64
	CacheEvictions atomic.Int64

	functions sync.Map // string -> *FunctionMetrics
	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide Metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the process' metrics began accumulating.
func StartTime() time.Time { return global.startTime }

func (m *Metrics) functionMetrics(funcID string) *FunctionMetrics {
	if v, ok := m.functions.Load(funcID); ok {
		return v.(*FunctionMetrics)
	}
	fm := &FunctionMetrics{}
	actual, _ := m.functions.LoadOrStore(funcID, fm)
	return actual.(*FunctionMetrics)
}

// RecordInvocation updates global and per-function counters for one
// completed invocation. It is safe to call from any goroutine.
func (m *Metrics) RecordInvocation(funcID string, duration time.Duration, success bool) {
	durationMs := duration.Milliseconds()
	m.TotalInvocations.Add(1)
	m.TotalLatencyMs.Add(durationMs)
	if success {
		m.SuccessInvocations.Add(1)
	} else {
		m.FailedInvocations.Add(1)
	}

	fm := m.functionMetrics(funcID)
	fm.Invocations.Add(1)
	fm.TotalMs.Add(durationMs)
	if success {
		fm.Successes.Add(1)
	} else {
		fm.Failures.Add(1)
	}

	RecordPrometheusInvocation(funcID, durationMs, success)
}

// RecordCacheLoad, RecordCacheHit, RecordCacheEviction feed component D's
// counters into both metric stores.
func (m *Metrics) RecordCacheLoad()     { m.CacheLoads.Add(1); cacheLoadsTotal.Inc() }
func (m *Metrics) RecordCacheHit()      { m.CacheHits.Add(1); cacheHitsTotal.Inc() }
func (m *Metrics) RecordCacheEviction() { m.CacheEvictions.Add(1); cacheEvictionsTotal.Inc() }

// RecordInvocation is the package-level convenience used by the gateway.
func RecordInvocation(funcID string, duration time.Duration, success bool) {
	global.RecordInvocation(funcID, duration, success)
}

// Snapshot is a point-in-time view of global counters, for the internal
// stats surface (distinct from the gateway's literal {name,state} list).
func (m *Metrics) Snapshot() map[string]any {
	total := m.TotalInvocations.Load()
	var avgLatencyMs float64
	if total > 0 {
		avgLatencyMs = float64(m.TotalLatencyMs.Load()) / float64(total)
	}
	return map[string]any{
		"total_invocations":   total,
		"success_invocations": m.SuccessInvocations.Load(),
		"failed_invocations":  m.FailedInvocations.Load(),
		"avg_latency_ms":      avgLatencyMs,
		"cache_loads":         m.CacheLoads.Load(),
		"cache_hits":          m.CacheHits.Load(),
		"cache_evictions":     m.CacheEvictions.Load(),
		"uptime_seconds":      time.Since(m.startTime).Seconds(),
	}
}

// FunctionStats returns per-function invocation counters.
func (m *Metrics) FunctionStats() map[string]any {
	out := make(map[string]any)
	m.functions.Range(func(key, value any) bool {
		fm := value.(*FunctionMetrics)
		invocations := fm.Invocations.Load()
		var avgMs float64
		if invocations > 0 {
			avgMs = float64(fm.TotalMs.Load()) / float64(invocations)
		}
		out[key.(string)] = map[string]any{
			"invocations": invocations,
			"successes":   fm.Successes.Load(),
			"failures":    fm.Failures.Load(),
			"avg_ms":      avgMs,
		}
		return true
	})
	return out
}

// JSONHandler serves the internal stats snapshot as JSON, distinct from
// the /_metrics contract which the gateway serves directly off the
// registry.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"global":    m.Snapshot(),
			"functions": m.FunctionStats(),
		})
	})
}
