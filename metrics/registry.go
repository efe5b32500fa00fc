// Package metrics provides an explicit counter registry passed into device
// and pipeline constructors, replacing the process-wide mutable counters the
// original source relies on.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing named value.
type Counter struct {
	name  string
	value atomic.Int64
}

func (c *Counter) Inc()           { c.value.Add(1) }
func (c *Counter) Add(n int64)    { c.value.Add(n) }
func (c *Counter) Value() int64   { return c.value.Load() }
func (c *Counter) Name() string   { return c.name }

// Registry owns every counter constructed through it. It is passed
// explicitly to constructors instead of being reached via package globals.
type Registry struct {
	mu       chan struct{} // binary semaphore; kept trivial, no blocking syscalls under lock
	counters map[string]*Counter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		mu:       make(chan struct{}, 1),
		counters: make(map[string]*Counter),
	}
	r.mu <- struct{}{}
	return r
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	r.counters[name] = c
	return c
}

// Snapshot returns the current value of every counter, for tests and for a
// future (out of scope) metrics sink to consume.
func (r *Registry) Snapshot() map[string]int64 {
	<-r.mu
	defer func() { r.mu <- struct{}{} }()
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Value()
	}
	return out
}
