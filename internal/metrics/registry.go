// Package metrics implements the process-wide counter/gauge registry
// shared by the server and worker pool (spec §2, §5; SPEC_FULL.md §4.8).
// It replaces the "global mutable metrics table" REDESIGN FLAG with an
// explicit registry constructed once at startup and passed by reference to
// every component that reports to it — never a package-level singleton.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Sink is the minimal interface a concrete reporting backend (StatsD,
// Prometheus, ...) implements to drain the registry. The registry itself
// never depends on a concrete backend — it is out of scope per spec §1.
type Sink interface {
	ReportCounter(name string, value int64)
	ReportGauge(name string, value int64)
}

// counter is a monotonically increasing named value.
type counter struct {
	v atomic.Int64
}

// gauge is an arbitrarily increasing/decreasing named value.
type gauge struct {
	v atomic.Int64
}

// Registry holds every counter and gauge retcond exposes. It is safe for
// concurrent use by any number of workers and the server goroutine.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*counter
	gauges   map[string]*gauge
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*counter),
		gauges:   make(map[string]*gauge),
	}
}

func (r *Registry) counterFor(name string) *counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.counters[name]
	if !ok {
		c = &counter{}
		r.counters[name] = c
	}

	return c
}

func (r *Registry) gaugeFor(name string) *gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gauges[name]
	if !ok {
		g = &gauge{}
		r.gauges[name] = g
	}

	return g
}

// IncrCounter adds delta to the named counter, creating it at zero first
// if this is the first observation.
func (r *Registry) IncrCounter(name string, delta int64) {
	r.counterFor(name).v.Add(delta)
}

// SetGauge sets the named gauge to value.
func (r *Registry) SetGauge(name string, value int64) {
	r.gaugeFor(name).v.Store(value)
}

// AddGauge adds delta (positive or negative) to the named gauge.
func (r *Registry) AddGauge(name string, delta int64) {
	r.gaugeFor(name).v.Add(delta)
}

// Counter returns the current value of a named counter, or 0 if never
// observed.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	c, ok := r.counters[name]
	r.mu.Unlock()

	if !ok {
		return 0
	}

	return c.v.Load()
}

// Gauge returns the current value of a named gauge, or 0 if never set.
func (r *Registry) Gauge(name string) int64 {
	r.mu.Lock()
	g, ok := r.gauges[name]
	r.mu.Unlock()

	if !ok {
		return 0
	}

	return g.v.Load()
}

// Report drains the registry to sink, in deterministic name order. Used by
// a periodic reporting goroutine once a concrete Sink is wired up.
func (r *Registry) Report(sink Sink) {
	r.mu.Lock()

	counterNames := make([]string, 0, len(r.counters))
	for name := range r.counters {
		counterNames = append(counterNames, name)
	}

	gaugeNames := make([]string, 0, len(r.gauges))
	for name := range r.gauges {
		gaugeNames = append(gaugeNames, name)
	}

	r.mu.Unlock()

	sort.Strings(counterNames)
	sort.Strings(gaugeNames)

	for _, name := range counterNames {
		sink.ReportCounter(name, r.Counter(name))
	}

	for _, name := range gaugeNames {
		sink.ReportGauge(name, r.Gauge(name))
	}
}

// Entity/source metric name builders (SPEC_FULL.md §4.8).

// EntityNotifications is the counter of notifications received for an
// entity.
func EntityNotifications(entity string) string { return fmt.Sprintf("entity.%s.notifications", entity) }

// EntityUpdates is the counter of successfully applied Updates for an
// entity.
func EntityUpdates(entity string) string { return fmt.Sprintf("entity.%s.updates", entity) }

// EntityConflicts is the counter of parked conflicts for an entity.
func EntityConflicts(entity string) string { return fmt.Sprintf("entity.%s.conflicts", entity) }

// SourceErrors is the counter of DataSource call failures for a source.
func SourceErrors(source string) string { return fmt.Sprintf("source.%s.errors", source) }

// QueueDepth is the gauge of pending work-queue items.
const QueueDepth = "queue.depth"

// QueueDeadLettered is the counter of items moved to the dead-letter
// table.
const QueueDeadLettered = "queue.dead_lettered"

// ReconcileInFlight is the gauge of reconciliation steps currently
// running.
const ReconcileInFlight = "reconcile.in_flight"
