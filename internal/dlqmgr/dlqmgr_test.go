package dlqmgr

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/oriys/conserver/internal/pipeerr"
	"github.com/oriys/conserver/internal/queue"
)

func TestFailWritesUUIDAndMetadata(t *testing.T) {
	q := queue.NewMemory()
	mgr := New(q)
	ctx := context.Background()

	cause := pipeerr.NewLink(pipeerr.ReasonLinkFailure, "noop", errors.New("boom"))
	if err := mgr.Fail(ctx, "in1", "u1", cause, 1); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	uuids, meta, err := mgr.List(ctx, "in1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(uuids) != 1 || uuids[0] != "u1" {
		t.Fatalf("uuids = %v, want [u1]", uuids)
	}
	entry := meta["u1"]
	if entry == nil {
		t.Fatal("expected metadata for u1")
	}
	if entry.Reason != pipeerr.ReasonLinkFailure || entry.Link != "noop" || entry.AttemptCount != 1 {
		t.Fatalf("entry = %+v, unexpected contents", entry)
	}
}

// TestReprocessIsAPermutation checks that reprocessing drains a dead
// letter list entirely and pushes each UUID back to the head of its
// ingress list in the same order it was dead-lettered.
func TestReprocessIsAPermutation(t *testing.T) {
	q := queue.NewMemory()
	mgr := New(q)
	ctx := context.Background()

	cause := pipeerr.New(pipeerr.ReasonLinkFailure, errors.New("boom"))
	if err := mgr.Fail(ctx, "in1", "u4", cause, 1); err != nil {
		t.Fatalf("Fail u4: %v", err)
	}
	if err := mgr.Fail(ctx, "in1", "u5", cause, 1); err != nil {
		t.Fatalf("Fail u5: %v", err)
	}

	moved, err := mgr.Reprocess(ctx, "in1", 0)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if len(moved) != 2 || moved[0] != "u4" || moved[1] != "u5" {
		t.Fatalf("moved = %v, want [u4 u5]", moved)
	}

	remaining, _, err := mgr.List(ctx, "in1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("DLQ:in1 should be empty after reprocess, got %v", remaining)
	}

	items, err := q.ListRange(ctx, "in1", 0, -1)
	if err != nil {
		t.Fatalf("ListRange: %v", err)
	}
	if len(items) != 2 || items[0] != "u4" || items[1] != "u5" {
		t.Fatalf("in1 contents = %v, want [u4 u5] at the head in original order", items)
	}

	// attempt_count bumped on reprocess
	raw, err := q.JSONGet(ctx, queue.DLQMetaKey("in1", "u4"))
	if err != nil {
		t.Fatalf("JSONGet meta u4: %v", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("decode meta u4: %v", err)
	}
	if entry.AttemptCount != 2 {
		t.Fatalf("AttemptCount = %d, want 2 after one reprocess", entry.AttemptCount)
	}
}

// TestReprocessLandsAtIngressHeadAheadOfNewAdmissions checks that
// reprocessed items are pushed ahead of anything already sitting on the
// ingress list (e.g. newly admitted work that arrived after the failure but
// before the operator reprocessed), and that their relative dead-letter
// order is preserved at the front.
func TestReprocessLandsAtIngressHeadAheadOfNewAdmissions(t *testing.T) {
	q := queue.NewMemory()
	mgr := New(q)
	ctx := context.Background()

	cause := pipeerr.New(pipeerr.ReasonLinkFailure, errors.New("boom"))
	if err := mgr.Fail(ctx, "in1", "old1", cause, 1); err != nil {
		t.Fatalf("Fail old1: %v", err)
	}
	if err := mgr.Fail(ctx, "in1", "old2", cause, 1); err != nil {
		t.Fatalf("Fail old2: %v", err)
	}

	// A fresh admission lands on in1 before the operator reprocesses.
	if err := q.PushRight(ctx, "in1", "new1"); err != nil {
		t.Fatalf("PushRight new1: %v", err)
	}

	moved, err := mgr.Reprocess(ctx, "in1", 0)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if len(moved) != 2 || moved[0] != "old1" || moved[1] != "old2" {
		t.Fatalf("moved = %v, want [old1 old2]", moved)
	}

	items, err := q.ListRange(ctx, "in1", 0, -1)
	if err != nil {
		t.Fatalf("ListRange: %v", err)
	}
	want := []string{"old1", "old2", "new1"}
	if len(items) != len(want) {
		t.Fatalf("in1 contents = %v, want %v", items, want)
	}
	for i, v := range want {
		if items[i] != v {
			t.Fatalf("in1 contents = %v, want %v", items, want)
		}
	}
}

func TestReprocessRespectsMaxItems(t *testing.T) {
	q := queue.NewMemory()
	mgr := New(q)
	ctx := context.Background()
	cause := pipeerr.New(pipeerr.ReasonLinkFailure, errors.New("boom"))
	mgr.Fail(ctx, "in1", "u1", cause, 1)
	mgr.Fail(ctx, "in1", "u2", cause, 1)

	moved, err := mgr.Reprocess(ctx, "in1", 1)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if len(moved) != 1 || moved[0] != "u1" {
		t.Fatalf("moved = %v, want [u1]", moved)
	}

	remaining, _, _ := mgr.List(ctx, "in1")
	if len(remaining) != 1 || remaining[0] != "u2" {
		t.Fatalf("remaining = %v, want [u2]", remaining)
	}
}

func TestPurgeSingleUUID(t *testing.T) {
	q := queue.NewMemory()
	mgr := New(q)
	ctx := context.Background()
	cause := pipeerr.New(pipeerr.ReasonStorageFailure, errors.New("boom"))
	mgr.Fail(ctx, "in1", "u1", cause, 1)
	mgr.Fail(ctx, "in1", "u2", cause, 1)

	if err := mgr.Purge(ctx, "in1", "u1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	uuids, meta, _ := mgr.List(ctx, "in1")
	if len(uuids) != 1 || uuids[0] != "u2" {
		t.Fatalf("uuids after purge = %v, want [u2]", uuids)
	}
	if _, ok := meta["u1"]; ok {
		t.Fatal("metadata for purged uuid should be gone")
	}
}

func TestPurgeAll(t *testing.T) {
	q := queue.NewMemory()
	mgr := New(q)
	ctx := context.Background()
	cause := pipeerr.New(pipeerr.ReasonStorageFailure, errors.New("boom"))
	mgr.Fail(ctx, "in1", "u1", cause, 1)
	mgr.Fail(ctx, "in1", "u2", cause, 1)

	if err := mgr.Purge(ctx, "in1", ""); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	uuids, _, _ := mgr.List(ctx, "in1")
	if len(uuids) != 0 {
		t.Fatalf("uuids after purge-all = %v, want none", uuids)
	}
}

func TestPurgeNeverTouchesVconStore(t *testing.T) {
	// DLQ keys and vcon document keys live in disjoint namespaces, so
	// purge's Delete calls can never reach a stored vcon document even
	// by accident; assert that namespace separation holds.
	if queue.DLQPrefix == queue.VconKeyPrefix {
		t.Fatal("DLQ and vcon key namespaces must never collide")
	}
}
