// Package storage implements the storage contract and registry.
package storage

import (
	"context"
	"fmt"
)

// Options is the merged per-storage option map, same shallow-merge
// semantics as link.Options.
type Options map[string]any

// Backend is the storage contract: save/get/delete, upsert-by-UUID. The
// core never caches storage results — save reads the current vCon from V
// and commits it, keeping storages authoritative-by-snapshot.
type Backend interface {
	Save(ctx context.Context, uuid string, opts Options) error
	Get(ctx context.Context, uuid string, opts Options) ([]byte, error)
	Delete(ctx context.Context, uuid string, opts Options) error
}

// Registration is a storage registered at startup: its backend plus
// registry-level default options.
type Registration struct {
	Backend Backend
	Options Options
}

// Registry is the static, process-wide mapping from storage name to
// backend, populated at startup and immutable thereafter.
type Registry struct {
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func (r *Registry) Register(name string, reg Registration) error {
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("storage: duplicate registration for %q", name)
	}
	r.entries[name] = reg
	return nil
}

func (r *Registry) Resolve(name string) (Registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}
