package cachegate

import (
	"context"
	"sort"
	"time"
)

// memStore backs the engine when SQLite is unavailable. Same semantics as
// sqliteStore; contents are lost on restart, which is the accepted
// degraded-mode trade.
type memStore struct {
	classes map[Class]map[string]*entry
}

func newMemStore() *memStore {
	return &memStore{classes: make(map[Class]map[string]*entry)}
}

func (m *memStore) get(ctx context.Context, class Class, key string) (*entry, bool, error) {
	e, ok := m.classes[class][key]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (m *memStore) put(ctx context.Context, class Class, key string, e *entry) error {
	if m.classes[class] == nil {
		m.classes[class] = make(map[string]*entry)
	}
	cp := *e
	m.classes[class][key] = &cp
	return nil
}

func (m *memStore) touch(ctx context.Context, class Class, key string, at time.Time) error {
	if e, ok := m.classes[class][key]; ok {
		e.LastAccess = at
	}
	return nil
}

func (m *memStore) trimLRU(ctx context.Context, class Class, maxEntries int) (int64, error) {
	part := m.classes[class]
	if len(part) <= maxEntries {
		return 0, nil
	}
	keys := make([]string, 0, len(part))
	for k := range part {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return part[keys[i]].LastAccess.Before(part[keys[j]].LastAccess)
	})
	var removed int64
	for _, k := range keys[:len(part)-maxEntries] {
		delete(part, k)
		removed++
	}
	return removed, nil
}

func (m *memStore) clear(ctx context.Context, class Class) error {
	delete(m.classes, class)
	return nil
}

func (m *memStore) count(ctx context.Context, class Class) (int64, error) {
	return int64(len(m.classes[class])), nil
}
