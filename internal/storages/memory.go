// Package storages holds concrete storage.Backend implementations. None of
// these define vCon business semantics — each is a thin,
// upsert-by-UUID persistence adapter exercising a different dependency from
// the example pack.
package storages

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oriys/conserver/internal/storage"
	"github.com/oriys/conserver/internal/vcon"
)

// Memory is an in-process, upsert-by-UUID storage backend. It is the
// reference backend used for tests and local development, where a real
// external dependency isn't warranted.
type Memory struct {
	vcons *vcon.Store

	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory creates a memory-backed storage reading current vCon snapshots
// from the given store.
func NewMemory(vcons *vcon.Store) *Memory {
	return &Memory{vcons: vcons, docs: make(map[string][]byte)}
}

func (m *Memory) Save(ctx context.Context, uuid string, _ storage.Options) error {
	doc, err := m.vcons.Get(ctx, uuid)
	if err != nil {
		return fmt.Errorf("storages/memory: read vcon %s: %w", uuid, err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[uuid] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, uuid string, _ storage.Options) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[uuid]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (m *Memory) Delete(_ context.Context, uuid string, _ storage.Options) error {
	m.mu.Lock()
	delete(m.docs, uuid)
	m.mu.Unlock()
	return nil
}

// Contains reports whether uuid has been saved; used by tests.
func (m *Memory) Contains(uuid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[uuid]
	return ok
}
