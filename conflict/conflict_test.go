package conflict_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/offsync/conflict"
	"github.com/hazyhaar/offsync/remote"
)

func TestEvaluateAccepted(t *testing.T) {
	resp := &remote.Response{Status: 200, Version: 7, Payload: json.RawMessage(`{"id":"e1"}`)}
	res := conflict.Evaluate(resp, nil)
	if res.Outcome != conflict.Accepted {
		t.Fatalf("outcome = %s, want accepted", res.Outcome)
	}
	if res.ResolvedVersion != 7 {
		t.Fatalf("resolved version = %d, want 7", res.ResolvedVersion)
	}
}

func TestEvaluateStaleCarriesServerState(t *testing.T) {
	err := &remote.ErrConflict{
		Endpoint:       "/api/events/e1",
		CurrentVersion: 9,
		ServerPayload:  json.RawMessage(`{"id":"e1","title":"winner"}`),
	}
	res := conflict.Evaluate(nil, err)
	if res.Outcome != conflict.Stale {
		t.Fatalf("outcome = %s, want stale", res.Outcome)
	}
	if res.ResolvedVersion != 9 {
		t.Fatalf("resolved version = %d, want 9", res.ResolvedVersion)
	}
	if len(res.ServerPayload) == 0 {
		t.Fatal("stale result lost the winning payload")
	}
}

func TestEvaluateRejected(t *testing.T) {
	err := &remote.ErrValidation{Endpoint: "/api/events", Status: 422, Message: "bad title"}
	res := conflict.Evaluate(nil, err)
	if res.Outcome != conflict.Rejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if res.Reason == "" {
		t.Fatal("rejection has no reason")
	}
}

func TestEvaluateRetry(t *testing.T) {
	cases := []error{
		&remote.ErrNetwork{Endpoint: "/api/events", Cause: errors.New("refused")},
		&remote.ErrCircuitOpen{},
		errors.New("something unexpected"),
	}
	for _, err := range cases {
		res := conflict.Evaluate(nil, err)
		if res.Outcome != conflict.Retry {
			t.Fatalf("%v: outcome = %s, want retry", err, res.Outcome)
		}
	}
}
