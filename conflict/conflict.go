// Package conflict decides what happens to a pending action after the
// remote API answered. The server is the arbiter: a version mismatch means
// someone else wrote first, and the local edit loses. The resolution is
// always take-server — the cached entity is refreshed from the server's
// payload and the losing action is dropped, never replayed.
package conflict

import (
	"encoding/json"
	"errors"

	"github.com/hazyhaar/offsync/remote"
)

// Outcome classifies the result of replaying one action against the server.
type Outcome int

const (
	// Accepted means the server applied the action.
	Accepted Outcome = iota
	// Stale means the server rejected the action on a version mismatch.
	// The cached entity must be refreshed and the action dropped.
	Stale
	// Rejected means the payload itself was invalid. The action is
	// dropped without touching the cached entity.
	Rejected
	// Retry means a transient failure, the action stays queued.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Result carries everything the orchestrator needs to act on an outcome.
type Result struct {
	Outcome Outcome

	// ResolvedVersion is the version the cached entity should carry after
	// this result is applied: the new server version on Accepted, the
	// winning version on Stale. Zero otherwise.
	ResolvedVersion int64

	// ServerPayload is the server's current state of the entity, set on
	// Accepted (the echoed record) and Stale (the winning record).
	ServerPayload json.RawMessage

	// Reason is a short human-readable note for Rejected and Retry,
	// surfaced to observers and the dead-letter record.
	Reason string
}

// Evaluate maps a remote response or error onto an outcome. A nil err with
// a non-nil resp is an acceptance; everything else is classified from the
// error taxonomy. Unknown errors are treated as transient, matching the
// retry budget: if they persist the action dead-letters rather than being
// silently dropped.
func Evaluate(resp *remote.Response, err error) Result {
	if err == nil && resp != nil {
		return Result{
			Outcome:         Accepted,
			ResolvedVersion: resp.Version,
			ServerPayload:   resp.Payload,
		}
	}

	var conflictErr *remote.ErrConflict
	if errors.As(err, &conflictErr) {
		return Result{
			Outcome:         Stale,
			ResolvedVersion: conflictErr.CurrentVersion,
			ServerPayload:   conflictErr.ServerPayload,
		}
	}

	var valErr *remote.ErrValidation
	if errors.As(err, &valErr) {
		return Result{Outcome: Rejected, Reason: valErr.Error()}
	}

	reason := "no response"
	if err != nil {
		reason = err.Error()
	}
	return Result{Outcome: Retry, Reason: reason}
}
