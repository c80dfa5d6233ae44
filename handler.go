package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/offsync/actionq"
	"github.com/hazyhaar/offsync/conflict"
	"github.com/hazyhaar/offsync/remote"
	"github.com/hazyhaar/offsync/store"
	"github.com/hazyhaar/offsync/syncer"
)

// ActionTypeEntity is the built-in action type for entity mutations. Its
// handler keeps the local entity cache aligned with server versions.
const ActionTypeEntity = "entity.write"

// entityMeta is the metadata envelope Submit attaches to entity actions.
type entityMeta struct {
	StoreName       string `json:"store_name,omitempty"`
	ID              string `json:"id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	HasVersion      bool   `json:"has_version,omitempty"`
}

// EntityHandler replays entity mutations. On confirmation it records the
// server-issued version; on a stale-write conflict it overwrites the local
// copy with the server's winning state before the action is dropped.
type EntityHandler struct {
	store *store.Store
	log   *slog.Logger
	clock func() time.Time
}

// NewEntityHandler builds the handler for ActionTypeEntity actions.
func NewEntityHandler(st *store.Store, logger *slog.Logger) *EntityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityHandler{store: st, log: logger, clock: time.Now}
}

func (h *EntityHandler) meta(action actionq.Action) (entityMeta, error) {
	var m entityMeta
	if len(action.Metadata) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(action.Metadata, &m); err != nil {
		return m, fmt.Errorf("offsync: action %d metadata: %w", action.ID, err)
	}
	return m, nil
}

func (h *EntityHandler) Request(action actionq.Action) (remote.Request, error) {
	m, err := h.meta(action)
	if err != nil {
		return remote.Request{}, err
	}
	return remote.Request{
		Method:             action.Method,
		Endpoint:           action.Endpoint,
		Payload:            action.Payload,
		ExpectedVersion:    m.ExpectedVersion,
		HasExpectedVersion: m.HasVersion,
	}, nil
}

func (h *EntityHandler) OnAccepted(ctx context.Context, action actionq.Action, res conflict.Result) error {
	m, err := h.meta(action)
	if err != nil {
		return err
	}
	if m.StoreName == "" || m.ID == "" {
		return nil // not tied to a cached entity
	}
	payload := res.ServerPayload
	if len(payload) == 0 {
		payload = action.Payload
	}
	return h.store.SaveEntity(ctx, store.CachedEntity{
		StoreName: m.StoreName,
		ID:        m.ID,
		Payload:   payload,
		Version:   res.ResolvedVersion,
		CachedAt:  h.clock().UnixMilli(),
	})
}

func (h *EntityHandler) OnStale(ctx context.Context, action actionq.Action, res conflict.Result) error {
	m, err := h.meta(action)
	if err != nil {
		return err
	}
	if m.StoreName == "" || m.ID == "" {
		return nil
	}
	h.log.Warn("offsync: refreshing entity from server after conflict",
		"store", m.StoreName, "id", m.ID, "server_version", res.ResolvedVersion)
	return h.store.SaveEntity(ctx, store.CachedEntity{
		StoreName: m.StoreName,
		ID:        m.ID,
		Payload:   res.ServerPayload,
		Version:   res.ResolvedVersion,
		CachedAt:  h.clock().UnixMilli(),
	})
}

var _ syncer.Handler = (*EntityHandler)(nil)
