// Package store provides implementations of the keyed-record Store the
// kernel depends on: an in-memory store for embedded runs and tests, and a
// SQLite-backed store for durable single-node deployments.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"warden/internal/types"
)

// MemoryStore keeps records as marshaled JSON in mutex-guarded maps.
// Values are serialized on Put so callers cannot alias stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string][]byte                    // identity|kind|key -> JSON
	keys     map[string][]string                  // identity|kind -> sorted keys
	outcomes map[string][]types.TaskOutcomeRecord // identity -> append-only
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string][]byte),
		keys:     make(map[string][]string),
		outcomes: make(map[string][]types.TaskOutcomeRecord),
	}
}

func recordKey(identity string, kind types.RecordKind, key string) string {
	return identity + "|" + string(kind) + "|" + key
}

func scopeKey(identity string, kind types.RecordKind) string {
	return identity + "|" + string(kind)
}

// Put implements types.Store.
func (m *MemoryStore) Put(_ context.Context, identity string, kind types.RecordKind, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", kind, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rk := recordKey(identity, kind, key)
	if _, exists := m.records[rk]; !exists {
		sk := scopeKey(identity, kind)
		keys := append(m.keys[sk], key)
		sort.Strings(keys)
		m.keys[sk] = keys
	}
	m.records[rk] = data
	return nil
}

// Get implements types.Store.
func (m *MemoryStore) Get(_ context.Context, identity string, kind types.RecordKind, key string, out any) (bool, error) {
	m.mu.RLock()
	data, ok := m.records[recordKey(identity, kind, key)]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", kind, key, err)
	}
	return true, nil
}

// Delete implements types.Store.
func (m *MemoryStore) Delete(_ context.Context, identity string, kind types.RecordKind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rk := recordKey(identity, kind, key)
	if _, ok := m.records[rk]; !ok {
		return nil
	}
	delete(m.records, rk)

	sk := scopeKey(identity, kind)
	keys := m.keys[sk]
	for i, k := range keys {
		if k == key {
			m.keys[sk] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

// List implements types.Store. out must be a pointer to a slice.
func (m *MemoryStore) List(_ context.Context, identity string, kind types.RecordKind, out any) error {
	m.mu.RLock()
	sk := scopeKey(identity, kind)
	raw := make([][]byte, 0, len(m.keys[sk]))
	for _, key := range m.keys[sk] {
		raw = append(raw, m.records[recordKey(identity, kind, key)])
	}
	m.mu.RUnlock()

	return unmarshalList(raw, out)
}

// AppendOutcome implements types.Store.
func (m *MemoryStore) AppendOutcome(_ context.Context, identity string, outcome types.TaskOutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[identity] = append(m.outcomes[identity], outcome)
	return nil
}

// ListOutcomes implements types.Store.
func (m *MemoryStore) ListOutcomes(_ context.Context, identity string) ([]types.TaskOutcomeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.TaskOutcomeRecord, len(m.outcomes[identity]))
	copy(out, m.outcomes[identity])
	return out, nil
}

// unmarshalList decodes each raw JSON record into a new element of the
// slice pointed to by out.
func unmarshalList(raw [][]byte, out any) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("list target must be a pointer to a slice, got %T", out)
	}
	slice := v.Elem()
	elemType := slice.Type().Elem()
	for _, data := range raw {
		elem := reflect.New(elemType)
		if err := json.Unmarshal(data, elem.Interface()); err != nil {
			return fmt.Errorf("unmarshal list element: %w", err)
		}
		slice = reflect.Append(slice, elem.Elem())
	}
	v.Elem().Set(slice)
	return nil
}

var _ types.Store = (*MemoryStore)(nil)
