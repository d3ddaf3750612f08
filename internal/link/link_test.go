package link

import (
	"context"
	"errors"
	"testing"
)

func TestOutcomeKinds(t *testing.T) {
	if !Continue().IsContinue() {
		t.Fatal("Continue() should report IsContinue")
	}
	if !Filter().IsFilter() {
		t.Fatal("Filter() should report IsFilter")
	}
	err := errors.New("boom")
	failed := Fail(err)
	if !failed.IsFail() {
		t.Fatal("Fail() should report IsFail")
	}
	if failed.Err() != err {
		t.Fatalf("Err() = %v, want %v", failed.Err(), err)
	}
}

func TestMergeRightWins(t *testing.T) {
	defaults := Options{"a": 1, "b": 2}
	registry := Options{"b": 20, "c": 3}
	overlay := Options{"c": 30, "d": 4}

	merged := Merge(defaults, registry, overlay)

	want := Options{"a": 1, "b": 20, "c": 30, "d": 4}
	if len(merged) != len(want) {
		t.Fatalf("merged = %v, want %v", merged, want)
	}
	for k, v := range want {
		if merged[k] != v {
			t.Errorf("merged[%q] = %v, want %v", k, merged[k], v)
		}
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	defaults := Options{"a": 1}
	overlay := Options{"a": 2}
	_ = Merge(defaults, overlay)
	if defaults["a"] != 1 {
		t.Fatalf("Merge mutated defaults: %v", defaults)
	}
	if overlay["a"] != 2 {
		t.Fatalf("Merge mutated overlay: %v", overlay)
	}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	callable := CallableFunc(func(context.Context, string, string, Options) Outcome { return Continue() })

	if err := r.Register("noop", Registration{Callable: callable}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := r.Resolve("missing"); ok {
		t.Fatal("Resolve should fail for an unregistered name")
	}

	reg, ok := r.Resolve("noop")
	if !ok {
		t.Fatal("Resolve should find a registered name")
	}
	outcome := reg.Callable.Run(context.Background(), "u1", "noop", nil)
	if !outcome.IsContinue() {
		t.Fatalf("registered callable outcome = %v, want Continue", outcome)
	}
}

func TestRegistryDuplicateRegistrationFails(t *testing.T) {
	r := NewRegistry()
	callable := CallableFunc(func(context.Context, string, string, Options) Outcome { return Continue() })
	if err := r.Register("noop", Registration{Callable: callable}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("noop", Registration{Callable: callable}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
