// Package queue implements the queue substrate contract: a
// key/value + list store holding vCon documents keyed by UUID and ordered
// lists of UUIDs for ingress, egress, and dead-letter queues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEmpty is returned by BlockingPopLeft when every list timed out empty.
var ErrEmpty = errors.New("queue: no item available")

// ErrNotFound is returned by JSONGet when the key does not exist.
var ErrNotFound = errors.New("queue: key not found")

// Substrate is the queue substrate contract: a key/value store plus
// ordered lists, shared by every chain runtime. Every method must be
// atomic per call. Implementations are shared, connection pooled
// resources and must be safe for concurrent use.
type Substrate interface {
	// PushRight appends value to the tail of list.
	PushRight(ctx context.Context, list, value string) error

	// PushLeft prepends value to the head of list. Used to return
	// cancelled WorkItems and DLQ-replay items to the front of the queue.
	PushLeft(ctx context.Context, list, value string) error

	// BlockingPopLeft blocks until a value is available on any of lists or
	// timeout elapses. When multiple lists are non-empty, the first
	// non-empty list in declared order is served (weak priority order).
	// Returns ErrEmpty on timeout.
	BlockingPopLeft(ctx context.Context, lists []string, timeout time.Duration) (list, value string, err error)

	// LLen returns the number of items in list.
	LLen(ctx context.Context, list string) (int64, error)

	// PopLeft removes and returns the head element of list without
	// blocking. Returns ErrEmpty if list is empty.
	PopLeft(ctx context.Context, list string) (string, error)

	// ListRange returns the elements of list between start and stop
	// (inclusive, 0-indexed), following Redis LRANGE semantics.
	ListRange(ctx context.Context, list string, start, stop int64) ([]string, error)

	// ListRemove removes up to count occurrences of value from list. A
	// count of 0 removes all occurrences.
	ListRemove(ctx context.Context, list string, count int64, value string) error

	// JSONPut stores doc (already JSON-encoded) at key.
	JSONPut(ctx context.Context, key string, doc json.RawMessage) error

	// JSONGet retrieves the document stored at key. Returns ErrNotFound if
	// key does not exist.
	JSONGet(ctx context.Context, key string) (json.RawMessage, error)

	// Delete removes key. It is not an error for key to already be absent.
	Delete(ctx context.Context, key string) error

	// Expire marks key for eviction after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping verifies connectivity to the underlying store.
	Ping(ctx context.Context) error

	// Close releases resources held by the substrate client.
	Close() error
}

// Key layout constants.
const (
	VconKeyPrefix = "vcon:"
	DLQPrefix     = "DLQ:"
)

// VconKey returns the persisted-state key for a vCon document.
func VconKey(uuid string) string { return VconKeyPrefix + uuid }

// DLQListKey returns the DLQ list key for an ingress list name.
func DLQListKey(ingress string) string { return DLQPrefix + ingress }

// DLQMetaKey returns the DLQ metadata key for a given ingress/uuid pair.
func DLQMetaKey(ingress, uuid string) string { return DLQPrefix + ingress + ":" + uuid }
