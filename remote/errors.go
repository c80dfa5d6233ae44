package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNetwork is a transient transport-level failure: connection refused,
// DNS, timeout, 5xx, 429. Retryable with backoff; exhausting the retry
// budget dead-letters the action.
type ErrNetwork struct {
	Endpoint string
	Cause    error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("remote: network failure for %s: %v", e.Endpoint, e.Cause)
}

func (e *ErrNetwork) Unwrap() error { return e.Cause }

// ErrValidation is a permanent rejection: the server refused the payload
// (or the caller's authorization) in a way no retry can fix. The action is
// dropped from the queue and surfaced to the user.
type ErrValidation struct {
	Endpoint string
	Status   int
	Fields   map[string][]string
	Message  string
}

func (e *ErrValidation) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("remote: %s rejected (%d): %d field errors", e.Endpoint, e.Status, len(e.Fields))
	}
	return fmt.Sprintf("remote: %s rejected (%d): %s", e.Endpoint, e.Status, e.Message)
}

// ErrConflict is an optimistic-concurrency failure: the version the action
// assumed is behind the server's. Carries the server's current state so the
// local cache can be refreshed before the conflict is surfaced.
type ErrConflict struct {
	Endpoint       string
	CurrentVersion int64
	ServerPayload  json.RawMessage
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("remote: %s conflicts with server version %d", e.Endpoint, e.CurrentVersion)
}

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the remote. The orchestrator treats it as a network failure so
// the queue backs off instead of hammering a dead server.
type ErrCircuitOpen struct{}

func (e *ErrCircuitOpen) Error() string { return "remote: circuit open" }

// Retryable reports whether err is worth another attempt. Only network-class
// failures qualify: validation and conflict outcomes never change on replay.
func Retryable(err error) bool {
	var netErr *ErrNetwork
	if errors.As(err, &netErr) {
		return true
	}
	var open *ErrCircuitOpen
	return errors.As(err, &open)
}
