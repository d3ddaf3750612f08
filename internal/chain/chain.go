// Package chain defines the immutable per-chain configuration record
// and the validation that resolves its link,
// storage, and tracer names against their registries before a runtime
// is started.
package chain

import (
	"fmt"
	"time"

	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/tracer"
)

// StorageFailurePolicy controls what happens when a storage fan-out save
// fails.
type StorageFailurePolicy string

const (
	FailChain   StorageFailurePolicy = "fail_chain"
	BestEffort  StorageFailurePolicy = "best_effort"
)

// EgressFailurePolicy controls the disposition of a vCon whose egress
// pushes never succeed after retry.
type EgressFailurePolicy string

const (
	EgressLogOnly EgressFailurePolicy = "log_only"
	EgressDLQ     EgressFailurePolicy = "dlq"
)

// LinkRef is a single entry in a chain's ordered link sequence: a bare
// name reference to the link registry, or a name plus an inline option
// overlay.
type LinkRef struct {
	Name    string
	Options link.Options // inline overlay, may be nil
}

// Config is the immutable per-chain configuration record.
type Config struct {
	Name                 string
	Links                []LinkRef
	Storages              []string
	IngressLists          []string
	EgressLists           []string
	Tracers               []string
	Timeout               time.Duration
	LinkTimeout           time.Duration // default per-link timeout when a link doesn't override it
	ParallelStorage       bool
	StorageTimeout        time.Duration
	StorageFailurePolicy  StorageFailurePolicy
	EgressRetries         int
	EgressBackoff         time.Duration
	EgressFailurePolicy   EgressFailurePolicy
	Parallelism           int // configured worker count
	MaxWorkers            int // hard ceiling
	Enabled               bool
}

// WorkerCount returns min(Parallelism, MaxWorkers), the chain's worker
// pool size. An unset Parallelism counts as 1; an unset MaxWorkers means
// no ceiling.
func (c Config) WorkerCount() int {
	p := c.Parallelism
	if p <= 0 {
		p = 1
	}
	m := c.MaxWorkers
	if m <= 0 {
		return p
	}
	if p > m {
		return m
	}
	return p
}

// LinkBinding is a resolved link reference: the callable plus its merged
// options.
type LinkBinding struct {
	Name     string
	Callable link.Callable
	Options  link.Options
}

// StorageBinding pairs a resolved storage registration with the name it
// was registered under, so callers (the metrics the chain runtime records
// per storage) can label by name instead of position.
type StorageBinding struct {
	Name         string
	Registration storage.Registration
}

// Resolved is a chain's config with every name resolved against its
// registry, ready to hand to a runtime.
type Resolved struct {
	Config   Config
	Links    []LinkBinding
	Storages []StorageBinding
	Tracers  []tracer.Tracer
}

// Resolve validates and resolves cfg's link/storage/tracer names against
// their registries, failing fast on any unknown name.
func Resolve(cfg Config, links *link.Registry, storages *storage.Registry, tracers *tracer.Registry) (*Resolved, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("chain: config missing name")
	}
	if len(cfg.IngressLists) == 0 {
		return nil, fmt.Errorf("chain %s: ingress_lists must be non-empty", cfg.Name)
	}

	bindings := make([]LinkBinding, 0, len(cfg.Links))
	for _, ref := range cfg.Links {
		reg, ok := links.Resolve(ref.Name)
		if !ok {
			return nil, fmt.Errorf("chain %s: unknown link %q", cfg.Name, ref.Name)
		}
		merged := link.Merge(reg.Options, ref.Options)
		bindings = append(bindings, LinkBinding{Name: ref.Name, Callable: reg.Callable, Options: merged})
	}

	storageRegs := make([]StorageBinding, 0, len(cfg.Storages))
	for _, name := range cfg.Storages {
		reg, ok := storages.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("chain %s: unknown storage %q", cfg.Name, name)
		}
		storageRegs = append(storageRegs, StorageBinding{Name: name, Registration: reg})
	}

	chainTracers := make([]tracer.Tracer, 0, len(cfg.Tracers))
	for _, name := range cfg.Tracers {
		t, ok := tracers.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("chain %s: unknown tracer %q", cfg.Name, name)
		}
		chainTracers = append(chainTracers, t)
	}

	return &Resolved{Config: cfg, Links: bindings, Storages: storageRegs, Tracers: chainTracers}, nil
}

// ValidateIngressUniqueness asserts that a single ingress list belongs to
// at most one enabled chain. Duplicates across
// enabled chains raise a startup error; first-enabled-wins ordering is the
// caller's responsibility (enumerate chains in declared order and call
// this once with only the enabled subset).
func ValidateIngressUniqueness(configs []Config) error {
	owner := make(map[string]string)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		for _, ingress := range cfg.IngressLists {
			if prior, exists := owner[ingress]; exists {
				return fmt.Errorf("chain: ingress list %q claimed by both %q and %q", ingress, prior, cfg.Name)
			}
			owner[ingress] = cfg.Name
		}
	}
	return nil
}
