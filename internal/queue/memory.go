package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process implementation of Substrate, using mutex-guarded
// maps standing in for an external store the same way the domain stack's own
// in-memory cache does. It serves two roles: the default substrate for local
// development when no Redis is configured, and the fixture every core
// package's tests exercise their success, filter, failure, and storage
// fan-out code paths against without a live Redis instance.
type Memory struct {
	mu    sync.Mutex
	lists map[string][]string
	kv    map[string][]byte

	// popSignal is broadcast whenever any list is pushed to, waking
	// blocked BlockingPopLeft callers without busy-polling.
	popSignal chan struct{}
}

// NewMemory creates an empty in-process substrate.
func NewMemory() *Memory {
	return &Memory{
		lists:     make(map[string][]string),
		kv:        make(map[string][]byte),
		popSignal: make(chan struct{}),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) broadcast() {
	close(m.popSignal)
	m.popSignal = make(chan struct{})
}

func (m *Memory) PushRight(_ context.Context, list, value string) error {
	m.mu.Lock()
	m.lists[list] = append(m.lists[list], value)
	m.broadcast()
	m.mu.Unlock()
	return nil
}

func (m *Memory) PushLeft(_ context.Context, list, value string) error {
	m.mu.Lock()
	m.lists[list] = append([]string{value}, m.lists[list]...)
	m.broadcast()
	m.mu.Unlock()
	return nil
}

// BlockingPopLeft polls lists in declared order (the same weak priority
// order the Redis-backed BLPOP gives us) until one is non-empty or timeout
// elapses.
func (m *Memory) BlockingPopLeft(ctx context.Context, lists []string, timeout time.Duration) (string, string, error) {
	if len(lists) == 0 {
		return "", "", ErrEmpty
	}

	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		for _, name := range lists {
			items := m.lists[name]
			if len(items) > 0 {
				v := items[0]
				m.lists[name] = items[1:]
				m.mu.Unlock()
				return name, v, nil
			}
		}
		wake := m.popSignal
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", "", ErrEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", "", ErrEmpty
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return "", "", ErrEmpty
		}
	}
}

func (m *Memory) LLen(_ context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[list])), nil
}

// PopLeft removes and returns the head element of list, or ErrEmpty if list
// is empty.
func (m *Memory) PopLeft(_ context.Context, list string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[list]
	if len(items) == 0 {
		return "", ErrEmpty
	}
	v := items[0]
	m.lists[list] = items[1:]
	return v, nil
}

func (m *Memory) ListRange(_ context.Context, list string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[list]
	n := int64(len(items))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

func (m *Memory) ListRemove(_ context.Context, list string, count int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[list]
	out := make([]string, 0, len(items))
	removed := int64(0)
	for _, v := range items {
		if v == value && (count <= 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	m.lists[list] = out
	return nil
}

func (m *Memory) JSONPut(_ context.Context, key string, doc json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.kv[key] = cp
	return nil
}

func (m *Memory) JSONGet(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return json.RawMessage(cp), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) Expire(context.Context, string, time.Duration) error {
	// Memory is process-lifetime only; eviction isn't meaningful without a
	// background sweeper, which no current caller needs for correctness
	// (only the Redis-backed substrate is used in production).
	return nil
}

var _ Substrate = (*Memory)(nil)
