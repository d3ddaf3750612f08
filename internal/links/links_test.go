package links

import (
	"context"
	"testing"

	"github.com/oriys/conserver/internal/link"
	"github.com/oriys/conserver/internal/queue"
	"github.com/oriys/conserver/internal/vcon"
)

func TestNoopAlwaysContinues(t *testing.T) {
	if outcome := Noop.Run(context.Background(), "u1", "noop", nil); !outcome.IsContinue() {
		t.Fatalf("Noop outcome = %v, want Continue", outcome)
	}
}

func TestFilterAlwaysFilters(t *testing.T) {
	if outcome := FilterAlways.Run(context.Background(), "u1", "filter_always", nil); !outcome.IsFilter() {
		t.Fatalf("FilterAlways outcome = %v, want Filter", outcome)
	}
}

func TestFailingAlwaysFails(t *testing.T) {
	outcome := Failing.Run(context.Background(), "u1", "failing", nil)
	if !outcome.IsFail() {
		t.Fatalf("Failing outcome = %v, want Fail", outcome)
	}
	if outcome.Err() == nil {
		t.Fatal("Failing should carry a non-nil error")
	}
}

func TestTaggerAppendsTag(t *testing.T) {
	q := queue.NewMemory()
	vcons := vcon.NewStore(q)
	ctx := context.Background()

	doc := &vcon.Document{UUID: "u1"}
	if err := vcons.Put(ctx, doc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tagger := NewTagger(vcons)
	outcome := tagger.Run(ctx, "u1", "tag", link.Options{"name": "sentiment", "value": "positive"})
	if !outcome.IsContinue() {
		t.Fatalf("Tagger outcome = %v, want Continue", outcome)
	}

	updated, err := vcons.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(updated.Tags) != 1 || updated.Tags[0].Name != "sentiment" || updated.Tags[0].Value != "positive" {
		t.Fatalf("Tags = %v, want one sentiment=positive tag", updated.Tags)
	}
}

func TestTaggerFailsWithoutName(t *testing.T) {
	q := queue.NewMemory()
	vcons := vcon.NewStore(q)
	tagger := NewTagger(vcons)
	outcome := tagger.Run(context.Background(), "u1", "tag", link.Options{"value": "positive"})
	if !outcome.IsFail() {
		t.Fatalf("Tagger outcome = %v, want Fail when name is missing", outcome)
	}
}
