// Package dlqmgr implements the DLQ manager:
// writing failed WorkItems to their ingress-scoped dead-letter queue, and
// the operator-facing list/reprocess/purge contract. The core never
// auto-retries; every retry here is operator-initiated.
package dlqmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oriys/conserver/internal/pipeerr"
	"github.com/oriys/conserver/internal/queue"
)

// Entry is the out-of-band metadata record stored alongside a DLQ'd UUID
//: failure reason, failing link (if any), attempt
// count, and timestamp.
type Entry struct {
	UUID        string         `json:"uuid"`
	Reason      pipeerr.Reason `json:"reason"`
	Link        string         `json:"link,omitempty"`
	Error       string         `json:"error,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	FailedAt    time.Time      `json:"failed_at"`
}

// Manager implements the DLQ manager contract against a queue substrate.
type Manager struct {
	q queue.Substrate
}

// New creates a DLQ manager backed by q.
func New(q queue.Substrate) *Manager {
	return &Manager{q: q}
}

// Fail moves uuid into DLQ:<ingress>, recording cause as its metadata.
// attempt is the WorkItem's attempt_count at the time of failure.
func (m *Manager) Fail(ctx context.Context, ingress, uuid string, cause *pipeerr.ChainError, attempt int) error {
	if err := m.q.PushRight(ctx, queue.DLQListKey(ingress), uuid); err != nil {
		return fmt.Errorf("dlqmgr: push %s to dlq %s: %w", uuid, ingress, err)
	}
	entry := Entry{
		UUID:         uuid,
		Reason:       cause.Reason,
		Link:         cause.Link,
		AttemptCount: attempt,
		FailedAt:     time.Now().UTC(),
	}
	if cause.Cause != nil {
		entry.Error = cause.Cause.Error()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.q.JSONPut(ctx, queue.DLQMetaKey(ingress, uuid), data); err != nil {
		return fmt.Errorf("dlqmgr: write metadata for %s: %w", uuid, err)
	}
	return nil
}

// List returns the ordered UUIDs currently in DLQ:<ingress> along with
// their metadata. A UUID whose metadata is missing or undecodable (e.g.
// evicted independently) is still listed but has no entry in the map.
func (m *Manager) List(ctx context.Context, ingress string) ([]string, map[string]*Entry, error) {
	uuids, err := m.q.ListRange(ctx, queue.DLQListKey(ingress), 0, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("dlqmgr: list %s: %w", ingress, err)
	}
	meta := make(map[string]*Entry, len(uuids))
	for _, id := range uuids {
		raw, err := m.q.JSONGet(ctx, queue.DLQMetaKey(ingress, id))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil {
			meta[id] = &entry
		}
	}
	return uuids, meta, nil
}

// Depth returns the current DLQ length for ingress.
func (m *Manager) Depth(ctx context.Context, ingress string) (int64, error) {
	return m.q.LLen(ctx, queue.DLQListKey(ingress))
}

// Reprocess moves up to maxItems UUIDs from DLQ:<ingress> to the head of
// ingress, bumping each entry's attempt_count. maxItems <= 0 means unbounded
// (drain the whole DLQ).
//
// Entries are popped off the DLQ head oldest-first (the order they were
// dead-lettered in), then pushed to the ingress head in reverse so the
// oldest entry is pushed last and ends up frontmost: reprocessed items land
// ahead of anything already queued or admitted since, in their original
// dead-letter order.
func (m *Manager) Reprocess(ctx context.Context, ingress string, maxItems int) ([]string, error) {
	var moved []string
	for maxItems <= 0 || len(moved) < maxItems {
		uuid, err := m.q.PopLeft(ctx, queue.DLQListKey(ingress))
		if err == queue.ErrEmpty {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("dlqmgr: reprocess %s: %w", ingress, err)
		}
		moved = append(moved, uuid)
	}

	for i := len(moved) - 1; i >= 0; i-- {
		uuid := moved[i]
		if err := m.q.PushLeft(ctx, ingress, uuid); err != nil {
			return moved, fmt.Errorf("dlqmgr: reprocess %s: requeue %s: %w", ingress, uuid, err)
		}
		m.bumpAttempt(ctx, ingress, uuid)
	}
	return moved, nil
}

func (m *Manager) bumpAttempt(ctx context.Context, ingress, uuid string) {
	raw, err := m.q.JSONGet(ctx, queue.DLQMetaKey(ingress, uuid))
	if err != nil {
		return
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return
	}
	entry.AttemptCount++
	if data, err := json.Marshal(entry); err == nil {
		m.q.JSONPut(ctx, queue.DLQMetaKey(ingress, uuid), data)
	}
}

// Purge removes one entry (uuid) or all entries from DLQ:<ingress>. It
// never removes the underlying vCon document from V.
func (m *Manager) Purge(ctx context.Context, ingress, uuid string) error {
	if uuid != "" {
		if err := m.q.ListRemove(ctx, queue.DLQListKey(ingress), 1, uuid); err != nil {
			return err
		}
		return m.q.Delete(ctx, queue.DLQMetaKey(ingress, uuid))
	}

	uuids, err := m.q.ListRange(ctx, queue.DLQListKey(ingress), 0, -1)
	if err != nil {
		return err
	}
	for _, id := range uuids {
		if err := m.q.Delete(ctx, queue.DLQMetaKey(ingress, id)); err != nil {
			return err
		}
	}
	return m.q.Delete(ctx, queue.DLQListKey(ingress))
}
