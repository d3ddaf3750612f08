// Package tracer implements the tracer contract and registry.
package tracer

import (
	"context"
	"fmt"
	"time"
)

// LinkOutcome records a single link's disposition within a chain run, used
// to build the event's links_run field.
type LinkOutcome struct {
	LinkName   string
	DurationMs int64
	Outcome    string // "continue", "filter", "fail"
}

// Event is the compact event record a tracer receives after each chain run
//: (chain, uuid, links_run, duration_ms, outcome).
type Event struct {
	Chain      string
	UUID       string
	LinksRun   []LinkOutcome
	DurationMs int64
	Outcome    string // "success", "filtered", "link_failure", "link_timeout", "storage_failure", "vcon_not_found"
}

// Tracer is the tracer contract: notify is best-effort and must never
// propagate an error to the worker.
type Tracer interface {
	Notify(ctx context.Context, event Event)
}

// Registry is the static, process-wide mapping from tracer name to Tracer.
type Registry struct {
	entries map[string]Tracer
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Tracer)}
}

func (r *Registry) Register(name string, t Tracer) error {
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tracer: duplicate registration for %q", name)
	}
	r.entries[name] = t
	return nil
}

func (r *Registry) Resolve(name string) (Tracer, bool) {
	t, ok := r.entries[name]
	return t, ok
}

// Noop discards every event. A chain that names no tracers notifies none;
// Noop is only used where it is registered and named explicitly.
type Noop struct{}

func (Noop) Notify(context.Context, Event) {}

// WithTimeout wraps a Tracer so that Notify is cancelled at timeout and its
// failure silently recorded rather than propagated. t.Notify
// itself must respect ctx cancellation for this to be effective.
func WithTimeout(t Tracer, timeout time.Duration, onTimeout func(chain, uuid string)) Tracer {
	return timeoutTracer{inner: t, timeout: timeout, onTimeout: onTimeout}
}

type timeoutTracer struct {
	inner     Tracer
	timeout   time.Duration
	onTimeout func(chain, uuid string)
}

func (t timeoutTracer) Notify(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.inner.Notify(ctx, event)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if t.onTimeout != nil {
			t.onTimeout(event.Chain, event.UUID)
		}
	}
}
