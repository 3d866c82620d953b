package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process backend. Documents are kept encoded so callers
// never share maps or slices with the stored copy.
type Memory[T any] struct {
	mu    sync.Mutex
	docs  map[string][]byte
	locks map[string]*sync.Mutex
}

func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{
		docs:  make(map[string][]byte),
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Memory[T]) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

func (m *Memory[T]) load(key string) (T, bool, error) {
	var doc T
	m.mu.Lock()
	raw, ok := m.docs[key]
	m.mu.Unlock()
	if !ok {
		return doc, false, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, true, nil
}

func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, false, err
	}
	return m.load(key)
}

func (m *Memory[T]) Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, error) {
	var zero T
	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	doc, exists, err := m.load(key)
	if err != nil {
		return zero, err
	}
	if err := fn(&doc, exists); err != nil {
		return zero, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	m.docs[key] = raw
	m.mu.Unlock()

	// hand back a copy detached from fn's view
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func (m *Memory[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		doc, ok, err := m.load(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}
