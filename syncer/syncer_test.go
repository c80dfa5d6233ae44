package syncer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/offsync/actionq"
	"github.com/hazyhaar/offsync/conflict"
	"github.com/hazyhaar/offsync/dbopen"
	"github.com/hazyhaar/offsync/netstate"
	"github.com/hazyhaar/offsync/oplog"
	"github.com/hazyhaar/offsync/remote"
	"github.com/hazyhaar/offsync/syncer"
	_ "modernc.org/sqlite"
)

func newTestJournal(t *testing.T) *oplog.Log {
	t.Helper()
	l := oplog.New(dbopen.OpenMemory(t))
	if err := l.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return l
}

// recordingHandler tracks hook invocations for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	accepted []int64
	stale    []int64
	reqErr   error
}

func (h *recordingHandler) Request(a actionq.Action) (remote.Request, error) {
	if h.reqErr != nil {
		return remote.Request{}, h.reqErr
	}
	return remote.Request{Method: a.Method, Endpoint: a.Endpoint, Payload: a.Payload}, nil
}

func (h *recordingHandler) OnAccepted(ctx context.Context, a actionq.Action, res conflict.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted = append(h.accepted, a.ID)
	return nil
}

func (h *recordingHandler) OnStale(ctx context.Context, a actionq.Action, res conflict.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stale = append(h.stale, a.ID)
	return nil
}

func onlineMonitor(t *testing.T) *netstate.Monitor {
	t.Helper()
	m := netstate.New(nil)
	m.Set(true)
	return m
}

func enqueue(t *testing.T, q actionq.Queue, typ, endpoint string) int64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), typ, "POST", endpoint, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDrainConfirmsActions(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	h := &recordingHandler{}
	var endpoints []string
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		endpoints = append(endpoints, req.Endpoint)
		return &remote.Response{Status: 200, Version: 1}, nil
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": h},
	})

	enqueue(t, q, "grade.update", "/api/grades/1")
	enqueue(t, q, "grade.update", "/api/grades/2")

	sum := s.Drain(context.Background(), oplog.TriggerManual)
	if sum.Success != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(endpoints) != 2 || endpoints[0] != "/api/grades/1" || endpoints[1] != "/api/grades/2" {
		t.Fatalf("dispatch order = %v", endpoints)
	}
	if len(h.accepted) != 2 {
		t.Fatalf("accepted hooks = %d", len(h.accepted))
	}

	counts, err := q.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending() != 0 || counts.Synced != 2 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestConflictRefreshesDropsAndSurfaces(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	h := &recordingHandler{}
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		return nil, &remote.ErrConflict{Endpoint: req.Endpoint, CurrentVersion: 9, ServerPayload: json.RawMessage(`{"v":9}`)}
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": h},
	})

	var notices []syncer.Notice
	s.OnConflict(func(n syncer.Notice) { notices = append(notices, n) })

	id := enqueue(t, q, "grade.update", "/api/grades/1")

	sum := s.Drain(context.Background(), oplog.TriggerManual)
	if sum.Conflicts != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(h.stale) != 1 || h.stale[0] != id {
		t.Fatalf("stale hooks = %v", h.stale)
	}
	if len(notices) != 1 || notices[0].ResolvedVersion != 9 {
		t.Fatalf("notices = %+v", notices)
	}

	counts, _ := q.Counts(context.Background())
	if counts.Pending() != 0 || counts.Synced != 0 {
		t.Fatalf("losing action not dropped: %+v", counts)
	}
}

func TestValidationRejectionDropsWithoutRetry(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	calls := 0
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		calls++
		return nil, &remote.ErrValidation{Endpoint: req.Endpoint, Status: 422, Message: "bad"}
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	enqueue(t, q, "grade.update", "/api/grades/1")
	sum := s.Drain(context.Background(), oplog.TriggerManual)
	if sum.Dropped != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	// A second drain must find nothing to replay.
	s.Drain(context.Background(), oplog.TriggerManual)
	if calls != 1 {
		t.Fatalf("server called %d times, want 1", calls)
	}
}

func TestPoisonActionDoesNotBlockOthers(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		if req.Endpoint == "/api/poison" {
			return nil, &remote.ErrValidation{Endpoint: req.Endpoint, Status: 422}
		}
		return &remote.Response{Status: 200}, nil
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	enqueue(t, q, "grade.update", "/api/poison")
	enqueue(t, q, "grade.update", "/api/grades/2")

	sum := s.Drain(context.Background(), oplog.TriggerManual)
	if sum.Dropped != 1 || sum.Success != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestNetworkFailureStopsDrainAndGoesOffline(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	net := onlineMonitor(t)
	calls := 0
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		calls++
		return nil, &remote.ErrNetwork{Endpoint: req.Endpoint, Cause: errors.New("refused")}
	})
	s := syncer.New(q, do, net, syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	enqueue(t, q, "grade.update", "/api/grades/1")
	enqueue(t, q, "grade.update", "/api/grades/2")

	sum := s.Drain(context.Background(), oplog.TriggerManual)
	if calls != 1 {
		t.Fatalf("server called %d times, want 1 (drain must stop)", calls)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if net.Online() {
		t.Fatal("transport failure did not flip the monitor offline")
	}

	counts, _ := q.Counts(context.Background())
	if counts.Pending() != 2 {
		t.Fatalf("pending = %d, want both actions retained", counts.Pending())
	}
}

func TestRetryBudgetDeadLetters(t *testing.T) {
	q := actionq.NewMem(actionq.Options{MaxAttempts: 1})
	net := onlineMonitor(t)
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		return nil, &remote.ErrNetwork{Endpoint: req.Endpoint, Cause: errors.New("refused")}
	})
	s := syncer.New(q, do, net, syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	enqueue(t, q, "grade.update", "/api/grades/1")
	s.Drain(context.Background(), oplog.TriggerManual)

	dead, err := q.DeadLettered(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead = %d, want 1", len(dead))
	}
	if dead[0].LastError == "" {
		t.Fatal("dead letter lost its cause")
	}
}

func TestUnknownTypeDrops(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		t.Fatal("dispatched an action with no handler")
		return nil, nil
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{},
	})

	enqueue(t, q, "mystery.type", "/api/x")
	sum := s.Drain(context.Background(), oplog.TriggerManual)
	if sum.Dropped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestDrainIsNotReentrant(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		close(started)
		<-release
		return &remote.Response{Status: 200}, nil
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	enqueue(t, q, "grade.update", "/api/grades/1")

	var first syncer.Summary
	done := make(chan struct{})
	go func() {
		first = s.Drain(context.Background(), oplog.TriggerManual)
		close(done)
	}()
	<-started

	second := s.Drain(context.Background(), oplog.TriggerManual)
	if second.Success != 0 || second.Failed != 0 {
		t.Fatalf("reentrant drain did work: %+v", second)
	}

	close(release)
	<-done
	if first.Success != 1 {
		t.Fatalf("first drain = %+v", first)
	}
}

func TestClearStopsActiveDrain(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		calls++
		if calls == 1 {
			close(started)
			<-release
		}
		return &remote.Response{Status: 200}, nil
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	for i := 0; i < 3; i++ {
		enqueue(t, q, "grade.update", fmt.Sprintf("/api/grades/%d", i))
	}

	done := make(chan syncer.Summary, 1)
	go func() {
		done <- s.Drain(context.Background(), oplog.TriggerManual)
	}()
	<-started

	if err := s.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(release)
	sum := <-done

	if calls != 1 {
		t.Fatalf("server called %d times after clear, want 1", calls)
	}
	if sum.Success != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	counts, _ := q.Counts(context.Background())
	if counts.Pending() != 0 {
		t.Fatalf("queue not cleared: %+v", counts)
	}
}

func TestStatusTransitions(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	net := netstate.New(nil)
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		return &remote.Response{Status: 200}, nil
	})
	s := syncer.New(q, do, net, syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
	})

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != syncer.StateOffline {
		t.Fatalf("state = %s, want offline", st.State)
	}

	// Going online with an empty queue triggers a no-op drain via the
	// subscription; status settles on synced.
	net.Set(true)
	st, _ = s.Status(context.Background())
	if st.State != syncer.StateSynced {
		t.Fatalf("state = %s, want synced", st.State)
	}

	net.Set(false)
	enqueue(t, q, "grade.update", "/api/grades/1")
	net.Set(true)
	// The subscription only queues a trigger; nothing ran it, so the
	// action is still pending.
	st, _ = s.Status(context.Background())
	if st.State != syncer.StatePending || st.Pending != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestDrainJournalsRun(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		return &remote.Response{Status: 200}, nil
	})

	journal := newTestJournal(t)
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
		Journal:  journal,
	})

	enqueue(t, q, "grade.update", "/api/grades/1")
	s.Drain(context.Background(), oplog.TriggerOnline)

	runs, err := journal.Recent(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Trigger != oplog.TriggerOnline || runs[0].Success != 1 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunHonorsManualTrigger(t *testing.T) {
	q := actionq.NewMem(actionq.Options{})
	synced := make(chan struct{})
	do := remote.Doer(func(ctx context.Context, req remote.Request) (*remote.Response, error) {
		return &remote.Response{Status: 200}, nil
	})
	s := syncer.New(q, do, onlineMonitor(t), syncer.Options{
		Handlers: map[string]syncer.Handler{"grade.update": &recordingHandler{}},
		Interval: time.Hour, // keep the ticker out of the test
	})
	s.Observe(func(sum syncer.Summary) {
		if sum.Success == 1 {
			close(synced)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	enqueue(t, q, "grade.update", "/api/grades/1")
	if !s.TriggerSync() {
		t.Fatal("trigger refused with no drain active")
	}

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("manual trigger never drained")
	}
}
