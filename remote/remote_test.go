package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/offsync/remote"
)

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Expected-Version") != "3" {
			t.Errorf("expected version header = %q", r.Header.Get("X-Expected-Version"))
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"version": 4, "payload": map[string]any{"id": "e1"}})
	}))
	defer srv.Close()

	c := remote.New(srv.URL, remote.Options{})
	resp, err := c.Do(context.Background(), remote.Request{
		Method:             "POST",
		Endpoint:           "/api/events",
		Payload:            json.RawMessage(`{"title":"Quiz"}`),
		ExpectedVersion:    3,
		HasExpectedVersion: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Version != 4 {
		t.Fatalf("version = %d, want 4", resp.Version)
	}
}

func TestDoConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"current_version": 5,
			"payload":         map[string]any{"title": "Quiz v5"},
		})
	}))
	defer srv.Close()

	c := remote.New(srv.URL, remote.Options{})
	_, err := c.Do(context.Background(), remote.Request{Method: "POST", Endpoint: "/api/events"})

	var conflict *remote.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if conflict.CurrentVersion != 5 {
		t.Fatalf("current version = %d, want 5", conflict.CurrentVersion)
	}
	if len(conflict.ServerPayload) == 0 {
		t.Fatal("conflict lost server payload")
	}
	if remote.Retryable(err) {
		t.Fatal("conflict must not be retryable")
	}
}

func TestDoValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"message": "invalid",
			"errors":  map[string][]string{"title": {"required"}},
		})
	}))
	defer srv.Close()

	c := remote.New(srv.URL, remote.Options{})
	_, err := c.Do(context.Background(), remote.Request{Method: "POST", Endpoint: "/api/events"})

	var vErr *remote.ErrValidation
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(vErr.Fields["title"]) != 1 {
		t.Fatalf("fields = %+v", vErr.Fields)
	}
	if remote.Retryable(err) {
		t.Fatal("validation must not be retryable")
	}
}

func TestDoServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := remote.New(srv.URL, remote.Options{})
	_, err := c.Do(context.Background(), remote.Request{Method: "POST", Endpoint: "/api/events"})

	var netErr *remote.ErrNetwork
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
	if !remote.Retryable(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestDoConnectionRefusedIsNetwork(t *testing.T) {
	c := remote.New("http://127.0.0.1:1", remote.Options{})
	_, err := c.Do(context.Background(), remote.Request{Method: "POST", Endpoint: "/x"})

	var netErr *remote.ErrNetwork
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestWithRetryRetriesNetworkOnly(t *testing.T) {
	var calls atomic.Int64
	base := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		if calls.Add(1) < 3 {
			return nil, &remote.ErrNetwork{Endpoint: req.Endpoint, Cause: errors.New("refused")}
		}
		return &remote.Response{Status: 200, Version: 1}, nil
	})

	doer := remote.Chain(base, remote.WithRetry(3, time.Millisecond, nil))
	resp, err := doer(context.Background(), remote.Request{Endpoint: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Version != 1 || calls.Load() != 3 {
		t.Fatalf("calls = %d, resp = %+v", calls.Load(), resp)
	}
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	var calls atomic.Int64
	base := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		calls.Add(1)
		return nil, &remote.ErrValidation{Endpoint: req.Endpoint, Status: 422}
	})

	doer := remote.Chain(base, remote.WithRetry(5, time.Millisecond, nil))
	_, err := doer(context.Background(), remote.Request{Endpoint: "/x"})

	var vErr *remote.ErrValidation
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := time.Now()
	cb := remote.NewBreaker(
		remote.WithBreakerThreshold(2),
		remote.WithBreakerResetTimeout(time.Minute),
		remote.WithBreakerClock(func() time.Time { return clock }),
	)

	cb.RecordFailure()
	if cb.State() != remote.BreakerClosed {
		t.Fatal("opened below threshold")
	}
	cb.RecordFailure()
	if cb.State() != remote.BreakerOpen {
		t.Fatal("did not open at threshold")
	}
	if cb.Allow() {
		t.Fatal("open breaker allowed a call")
	}

	clock = clock.Add(2 * time.Minute)
	if cb.State() != remote.BreakerHalfOpen {
		t.Fatal("did not enter half-open after reset timeout")
	}
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != remote.BreakerClosed {
		t.Fatal("did not close after half-open successes")
	}
}

func TestWithBreakerRejectsWhenOpen(t *testing.T) {
	cb := remote.NewBreaker(remote.WithBreakerThreshold(1))
	var calls atomic.Int64
	base := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		calls.Add(1)
		return nil, &remote.ErrNetwork{Endpoint: req.Endpoint, Cause: errors.New("down")}
	})
	doer := remote.Chain(base, remote.WithBreaker(cb))

	doer(context.Background(), remote.Request{Endpoint: "/x"}) // trips the breaker

	_, err := doer(context.Background(), remote.Request{Endpoint: "/x"})
	var open *remote.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("base called %d times, want 1", calls.Load())
	}
}

func TestWithBreakerIgnoresValidationFailures(t *testing.T) {
	cb := remote.NewBreaker(remote.WithBreakerThreshold(1))
	base := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		return nil, &remote.ErrValidation{Endpoint: req.Endpoint, Status: 422}
	})
	doer := remote.Chain(base, remote.WithBreaker(cb))

	doer(context.Background(), remote.Request{Endpoint: "/x"})
	if cb.State() != remote.BreakerClosed {
		t.Fatal("validation failure tripped the breaker")
	}
}
