package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/oriys/conserver/internal/chain"
	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/queue"
	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/tracer"
)

func testRegistries(t *testing.T) (*link.Registry, *storage.Registry, *tracer.Registry) {
	t.Helper()
	links := link.NewRegistry()
	links.Register("noop", link.Registration{
		Callable: link.CallableFunc(func(context.Context, string, string, link.Options) link.Outcome { return link.Continue() }),
	})
	storages := storage.NewRegistry()
	tracers := tracer.NewRegistry()
	tracers.Register("noop", tracer.Noop{})
	return links, storages, tracers
}

func TestNewRejectsDuplicateIngressClaim(t *testing.T) {
	links, storages, tracers := testRegistries(t)
	configs := []chain.Config{
		{Name: "a", Enabled: true, IngressLists: []string{"in1"}, Links: []chain.LinkRef{{Name: "noop"}}},
		{Name: "b", Enabled: true, IngressLists: []string{"in1"}, Links: []chain.LinkRef{{Name: "noop"}}},
	}
	if _, err := New(Config{}, configs, queue.NewMemory(), links, storages, tracers); err == nil {
		t.Fatal("expected duplicate ingress claim to reject supervisor construction")
	}
}

func TestNewRejectsUnknownLink(t *testing.T) {
	links, storages, tracers := testRegistries(t)
	configs := []chain.Config{
		{Name: "a", Enabled: true, IngressLists: []string{"in1"}, Links: []chain.LinkRef{{Name: "missing"}}},
	}
	if _, err := New(Config{}, configs, queue.NewMemory(), links, storages, tracers); err == nil {
		t.Fatal("expected unknown link name to reject supervisor construction")
	}
}

func TestNewSkipsDisabledChains(t *testing.T) {
	links, storages, tracers := testRegistries(t)
	configs := []chain.Config{
		{Name: "a", Enabled: false, IngressLists: []string{"in1"}, Links: []chain.LinkRef{{Name: "missing-but-disabled"}}},
	}
	sup, err := New(Config{}, configs, queue.NewMemory(), links, storages, tracers)
	if err != nil {
		t.Fatalf("expected disabled chain with bad links to be skipped entirely, got %v", err)
	}
	if len(sup.Runtimes()) != 0 {
		t.Fatalf("Runtimes() = %d, want 0 for an all-disabled config set", len(sup.Runtimes()))
	}
}

func TestStartStopLifecycle(t *testing.T) {
	links, storages, tracers := testRegistries(t)
	configs := []chain.Config{
		{Name: "a", Enabled: true, IngressLists: []string{"in1"}, Links: []chain.LinkRef{{Name: "noop"}}, Parallelism: 1},
	}
	sup, err := New(Config{ShutdownGrace: 2 * time.Second}, configs, queue.NewMemory(), links, storages, tracers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(sup.Runtimes()) != 1 {
		t.Fatalf("Runtimes() = %d, want 1", len(sup.Runtimes()))
	}

	sup.Start()
	sup.Stop() // must return promptly once the single runtime drains
}

func TestVconStoreAndDLQAccessorsNonNil(t *testing.T) {
	links, storages, tracers := testRegistries(t)
	configs := []chain.Config{
		{Name: "a", Enabled: true, IngressLists: []string{"in1"}, Links: []chain.LinkRef{{Name: "noop"}}},
	}
	sup, err := New(Config{}, configs, queue.NewMemory(), links, storages, tracers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.VconStore() == nil {
		t.Fatal("VconStore() should not be nil")
	}
	if sup.DLQ() == nil {
		t.Fatal("DLQ() should not be nil")
	}
}
