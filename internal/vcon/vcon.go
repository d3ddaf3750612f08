// Package vcon provides the vCon document type and the logical V store
// (get/put/expire) view over the queue substrate.
package vcon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/conserver/internal/queue"
)

// Tag is a single name/value pair stored inside a vCon document's tag set.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Document is the opaque vCon record identified by UUID. The core reads
// UUID, CreatedAt, and Tags; Payload carries every other field unchanged
// unless a link mutates it.
type Document struct {
	UUID      string          `json:"uuid"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Tags      []Tag           `json:"tags,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// NewUUID generates a new vCon identifier.
func NewUUID() string { return uuid.NewString() }

// MarshalJSON merges the opaque Payload object with the core's recognized
// fields, so that fields a link doesn't know about pass through unchanged.
func (d *Document) MarshalJSON() ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &merged); err != nil {
			return nil, fmt.Errorf("vcon: payload is not a JSON object: %w", err)
		}
	}

	uuidJSON, err := json.Marshal(d.UUID)
	if err != nil {
		return nil, err
	}
	merged["uuid"] = uuidJSON

	if d.CreatedAt != nil {
		b, err := json.Marshal(d.CreatedAt)
		if err != nil {
			return nil, err
		}
		merged["created_at"] = b
	}
	if d.Tags != nil {
		b, err := json.Marshal(d.Tags)
		if err != nil {
			return nil, err
		}
		merged["tags"] = b
	}

	return json.Marshal(merged)
}

// UnmarshalJSON splits the incoming document into the core's recognized
// fields and the opaque remainder, which is preserved in Payload.
func (d *Document) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["uuid"]; ok {
		if err := json.Unmarshal(v, &d.UUID); err != nil {
			return fmt.Errorf("vcon: invalid uuid field: %w", err)
		}
		delete(raw, "uuid")
	}
	if v, ok := raw["created_at"]; ok {
		var t time.Time
		if err := json.Unmarshal(v, &t); err == nil {
			d.CreatedAt = &t
		}
		delete(raw, "created_at")
	}
	if v, ok := raw["tags"]; ok {
		var tags []Tag
		if err := json.Unmarshal(v, &tags); err == nil {
			d.Tags = tags
		}
		delete(raw, "tags")
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	d.Payload = payload
	return nil
}

// Store is the logical V view over the queue substrate: get(uuid),
// put(uuid, doc), expire(uuid, ttl).
type Store struct {
	q queue.Substrate
}

// NewStore wraps a queue substrate as a vCon store.
func NewStore(q queue.Substrate) *Store {
	return &Store{q: q}
}

// Get fetches the vCon document for uuid. Returns queue.ErrNotFound if
// absent, which the chain runtime maps to the VconMissing error class.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	raw, err := s.q.JSONGet(ctx, queue.VconKey(id))
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("vcon: decode %s: %w", id, err)
	}
	return &doc, nil
}

// Put persists doc at its own UUID.
func (s *Store) Put(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("vcon: encode %s: %w", doc.UUID, err)
	}
	return s.q.JSONPut(ctx, queue.VconKey(doc.UUID), data)
}

// Exists reports whether a vCon document is already present in V, used by
// the admission conflict check.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.q.JSONGet(ctx, queue.VconKey(id))
	if err == queue.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the vCon document from V.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.q.Delete(ctx, queue.VconKey(id))
}

// Expire marks the vCon document for eviction after ttl.
func (s *Store) Expire(ctx context.Context, id string, ttl time.Duration) error {
	return s.q.Expire(ctx, queue.VconKey(id), ttl)
}
