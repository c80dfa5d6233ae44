package store

import (
	"encoding/json"
	"slices"
	"sync"
)

// memStore backs the degraded in-memory mode. Records still pass through the
// serialization boundary before landing here, so the semantics match the
// SQLite path exactly except for durability.
type memStore struct {
	mu    sync.RWMutex
	parts map[string]*memPartition
}

type memPartition struct {
	records map[string][]byte
	// index → value → set of keys
	indexes map[string]map[string]map[string]struct{}
}

func newMemStore() *memStore {
	return &memStore{parts: make(map[string]*memPartition)}
}

func (m *memStore) part(name string) *memPartition {
	p, ok := m.parts[name]
	if !ok {
		p = &memPartition{
			records: make(map[string][]byte),
			indexes: make(map[string]map[string]map[string]struct{}),
		}
		m.parts[name] = p
	}
	return p
}

func (m *memStore) save(partition, key string, payload []byte, indexes []string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.part(partition)
	p.dropIndexRows(key)
	p.records[key] = slices.Clone(payload)
	for _, idx := range indexes {
		v, ok := fields[idx]
		if !ok {
			continue
		}
		byValue, ok := p.indexes[idx]
		if !ok {
			byValue = make(map[string]map[string]struct{})
			p.indexes[idx] = byValue
		}
		val := indexValue(v)
		keys, ok := byValue[val]
		if !ok {
			keys = make(map[string]struct{})
			byValue[val] = keys
		}
		keys[key] = struct{}{}
	}
}

func (p *memPartition) dropIndexRows(key string) {
	for _, byValue := range p.indexes {
		for _, keys := range byValue {
			delete(keys, key)
		}
	}
}

func (m *memStore) get(partition, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[partition]
	if !ok {
		return nil, false
	}
	payload, ok := p.records[key]
	return payload, ok
}

func (m *memStore) getAll(partition string) []json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[partition]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(p.records))
	for k := range p.records {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, json.RawMessage(p.records[k]))
	}
	return out
}

func (m *memStore) getByIndex(partition, index, value string) []json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[partition]
	if !ok {
		return nil
	}
	byValue, ok := p.indexes[index]
	if !ok {
		return nil
	}
	keySet, ok := byValue[value]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		out = append(out, json.RawMessage(p.records[k]))
	}
	return out
}

func (m *memStore) delete(partition, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[partition]
	if !ok {
		return
	}
	p.dropIndexRows(key)
	delete(p.records, key)
}

func (m *memStore) clear(partition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.parts, partition)
}

func (m *memStore) count(partition string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[partition]
	if !ok {
		return 0
	}
	return len(p.records)
}
