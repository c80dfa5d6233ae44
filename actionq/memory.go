package actionq

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Mem is the in-memory queue used when local storage is unavailable. Same
// contract as Q minus durability: the application keeps queueing and syncing
// within the process, it just cannot survive a restart.
type Mem struct {
	opts Options

	mu     sync.Mutex
	nextID int64
	items  []*Action
}

// NewMem creates the degraded in-memory queue.
func NewMem(opts Options) *Mem {
	opts.defaults()
	return &Mem{opts: opts, nextID: 1}
}

func (m *Mem) Enqueue(_ context.Context, typ, method, endpoint string, payload, metadata json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &Action{
		ID:        m.nextID,
		Type:      typ,
		Method:    method,
		Endpoint:  endpoint,
		Payload:   slices.Clone(payload),
		Metadata:  slices.Clone(metadata),
		CreatedAt: time.Now(),
		State:     StateQueued,
	}
	m.nextID++
	m.items = append(m.items, a)
	return a.ID, nil
}

func (m *Mem) ListPending(_ context.Context) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, a := range m.items {
		if a.State == StateQueued || a.State == StateInflight {
			out = append(out, *a)
		}
	}
	slices.SortStableFunc(out, func(a, b Action) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	return out, nil
}

func (m *Mem) MarkInflight(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.find(id); a != nil {
		a.State = StateInflight
	}
	return nil
}

func (m *Mem) MarkSynced(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.find(id); a != nil {
		a.State = StateSynced
		a.SyncedAt = time.Now()
	}
	return nil
}

func (m *Mem) MarkFailed(_ context.Context, id int64, cause string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(id)
	if a == nil {
		return false, nil
	}
	a.SyncAttempts++
	a.LastError = cause
	if a.SyncAttempts >= m.opts.MaxAttempts {
		a.State = StateDead
		return true, nil
	}
	a.State = StateQueued
	return false, nil
}

func (m *Mem) Drop(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = slices.DeleteFunc(m.items, func(a *Action) bool { return a.ID == id })
	return nil
}

func (m *Mem) PurgeOlderThan(_ context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	var n int64
	m.items = slices.DeleteFunc(m.items, func(a *Action) bool {
		if a.State == StateSynced && a.SyncedAt.Before(cutoff) {
			n++
			return true
		}
		return false
	})
	return n, nil
}

func (m *Mem) Counts(_ context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, a := range m.items {
		switch a.State {
		case StateQueued:
			c.Queued++
		case StateInflight:
			c.Inflight++
		case StateSynced:
			c.Synced++
		case StateDead:
			c.Dead++
		}
	}
	return c, nil
}

func (m *Mem) DeadLettered(_ context.Context) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, a := range m.items {
		if a.State == StateDead {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *Mem) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	return nil
}

func (m *Mem) find(id int64) *Action {
	for _, a := range m.items {
		if a.ID == id {
			return a
		}
	}
	return nil
}
