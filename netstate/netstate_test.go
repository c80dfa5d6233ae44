package netstate_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/offsync/netstate"
)

func TestStartsOffline(t *testing.T) {
	m := netstate.New(nil)
	if m.Online() {
		t.Fatal("new monitor must start offline")
	}
}

func TestSetFiresOnlyOnTransition(t *testing.T) {
	m := netstate.New(nil)
	var fired atomic.Int64
	m.Subscribe(func(online bool) { fired.Add(1) })

	m.Set(true)
	m.Set(true) // no transition
	m.Set(false)
	m.Set(false) // no transition

	if fired.Load() != 2 {
		t.Fatalf("listener fired %d times, want 2", fired.Load())
	}
}

func TestListenerSeesNewState(t *testing.T) {
	m := netstate.New(nil)
	var got atomic.Bool
	m.Subscribe(func(online bool) { got.Store(online) })

	m.Set(true)
	if !got.Load() {
		t.Fatal("listener did not observe online transition")
	}
	if !m.Online() {
		t.Fatal("Online() disagrees with last Set")
	}
}

func TestProbeFeedsSet(t *testing.T) {
	m := netstate.New(nil)
	transitions := make(chan bool, 4)
	m.Subscribe(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var up atomic.Bool
	up.Store(true)
	go m.Probe(ctx, 5*time.Millisecond, func(ctx context.Context) bool { return up.Load() })

	select {
	case online := <-transitions:
		if !online {
			t.Fatal("first transition should be online")
		}
	case <-time.After(time.Second):
		t.Fatal("probe never reported online")
	}

	up.Store(false)
	select {
	case online := <-transitions:
		if online {
			t.Fatal("expected offline transition")
		}
	case <-time.After(time.Second):
		t.Fatal("probe never reported offline")
	}
}
