// Package metrics provides lightweight in-process counters and gauges with
// a JSON export endpoint.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	help  string
	value int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64(&c.value, 1) }

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.value, delta) }

// Value returns the current count.
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.value) }

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	help  string
	value int64
}

// Set stores the gauge value.
func (g *Gauge) Set(v int64) { atomic.StoreInt64(&g.value, v) }

// Inc increments the gauge.
func (g *Gauge) Inc() { atomic.AddInt64(&g.value, 1) }

// Dec decrements the gauge.
func (g *Gauge) Dec() { atomic.AddInt64(&g.value, -1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return atomic.LoadInt64(&g.value) }

// Registry manages application metrics.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	started  time.Time
}

// NewRegistry creates a metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		started:  time.Now(),
	}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

type metricSnapshot struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Help  string `json:"help,omitempty"`
	Value int64  `json:"value"`
}

type snapshot struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Metrics       []metricSnapshot `json:"metrics"`
}

// Snapshot captures every metric's current value, sorted by name.
func (r *Registry) Snapshot() interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := snapshot{UptimeSeconds: int64(time.Since(r.started).Seconds())}
	for name, c := range r.counters {
		out.Metrics = append(out.Metrics, metricSnapshot{Name: name, Type: "counter", Help: c.help, Value: c.Value()})
	}
	for name, g := range r.gauges {
		out.Metrics = append(out.Metrics, metricSnapshot{Name: name, Type: "gauge", Help: g.help, Value: g.Value()})
	}
	sort.Slice(out.Metrics, func(i, j int) bool { return out.Metrics[i].Name < out.Metrics[j].Name })
	return out
}

// Handler serves the registry as JSON.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	})
}
