// Package link implements the link contract: a registry of
// named, opaque processing steps invoked in sequence by the chain runtime.
package link

import (
	"context"
	"fmt"
)

// Options is the merged per-invocation option map: defaults ⊕ registry
// options ⊕ chain inline overlay, right wins, shallow merge at the top
// level only.
type Options map[string]any

// Merge returns a new Options holding every layer's keys, a later layer's
// value taking precedence over an earlier one's. No input is mutated.
func Merge(layers ...Options) Options {
	out := Options{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Outcome is the tagged variant a link run produces, replacing the source's
// null-return sentinel so the
// three outcomes are syntactically distinguishable: Continue, Filter, Fail.
type Outcome struct {
	kind matchKind
	err  error
}

type matchKind int

const (
	kindContinue matchKind = iota
	kindFilter
	kindFail
)

// Continue reports a successful run; the vCon (possibly mutated) proceeds
// to the next link or, if this was the last link, to storage fan-out.
func Continue() Outcome { return Outcome{kind: kindContinue} }

// Filter reports the FILTER_OUT sentinel: processing stops immediately,
// with no further links, no storage writes, no egress push, and no DLQ.
func Filter() Outcome { return Outcome{kind: kindFilter} }

// Fail reports a link failure; the chain runtime stops and DLQs the vCon.
func Fail(err error) Outcome { return Outcome{kind: kindFail, err: err} }

func (o Outcome) IsContinue() bool { return o.kind == kindContinue }
func (o Outcome) IsFilter() bool   { return o.kind == kindFilter }
func (o Outcome) IsFail() bool     { return o.kind == kindFail }
func (o Outcome) Err() error       { return o.err }

// Callable is the link contract: run(uuid, link_name, options) -> outcome.
// The uuid identifies a vCon already present in V; the link may mutate it
// in place via its own collaborators and reports Continue on success; the
// runtime goes on with the same uuid. Callable implementations are expected to be idempotent under
// retry — the core does not enforce this.
type Callable interface {
	Run(ctx context.Context, uuid, linkName string, opts Options) Outcome
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context, uuid, linkName string, opts Options) Outcome

func (f CallableFunc) Run(ctx context.Context, uuid, linkName string, opts Options) Outcome {
	return f(ctx, uuid, linkName, opts)
}

// Registration is a link registered at startup time: its callable plus the
// options supplied at registration (registry_options in the merge order).
type Registration struct {
	Callable Callable
	Options  Options
}

// Registry is the static, process-wide, read-mostly mapping from link name
// to callable, populated by explicit registration calls and never mutated
// after Supervisor.Start.
type Registry struct {
	entries map[string]Registration
}

// NewRegistry creates an empty link registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a link under name. Registering the same name twice is a
// startup error.
func (r *Registry) Register(name string, reg Registration) error {
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("link: duplicate registration for %q", name)
	}
	r.entries[name] = reg
	return nil
}

// Resolve looks up a registered link by name. Unknown names are rejected at
// startup.
func (r *Registry) Resolve(name string) (Registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}
