package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeCoordinator is a minimal websocket endpoint that records inbound
// envelopes and can push envelopes back to the connected client.
type fakeCoordinator struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []Envelope
	joins    int
}

func (f *fakeCoordinator) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, env)
		if env.Event == EventJoin {
			f.joins++
		}
		f.mu.Unlock()
	}
}

func (f *fakeCoordinator) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	if err := conn.WriteJSON(Envelope{Event: event, Payload: raw}); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (f *fakeCoordinator) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func (f *fakeCoordinator) eventCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.received {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeCoordinator) dropClient() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func startCoordinator(t *testing.T) (*fakeCoordinator, string) {
	t.Helper()
	f := &fakeCoordinator{}
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEmitAndReceive(t *testing.T) {
	coord, url := startCoordinator(t)
	ch := New(url, "alice")
	defer ch.Close()

	type ping struct {
		N int `json:"n"`
	}
	var mu sync.Mutex
	var got []int
	ch.On("ping", func(raw json.RawMessage) {
		var p ping
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		mu.Lock()
		got = append(got, p.N)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Connect(ctx)

	waitFor(t, "join", func() bool { return coord.joinCount() == 1 })

	if err := ch.Emit("hello", map[string]string{"to": "bob"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, "hello received", func() bool { return coord.eventCount("hello") == 1 })

	// Inbound events are dispatched in arrival order.
	for i := 1; i <= 3; i++ {
		coord.push(t, "ping", ping{N: i})
	}
	waitFor(t, "pings dispatched", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("order = %v, want [1 2 3]", got)
		}
	}
}

func TestReconnectReannounces(t *testing.T) {
	coord, url := startCoordinator(t)
	ch := New(url, "alice")
	ch.SetBackoff(20*time.Millisecond, 100*time.Millisecond)
	defer ch.Close()

	states, offStates := ch.SubscribeState()
	defer offStates()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Connect(ctx)

	waitFor(t, "first join", func() bool { return coord.joinCount() == 1 })

	coord.dropClient()
	waitFor(t, "rejoin after drop", func() bool { return coord.joinCount() >= 2 })

	// The state stream saw connected, disconnected, connected.
	var seen []ConnState
	deadline := time.After(3 * time.Second)
	for len(seen) < 3 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-deadline:
			t.Fatalf("state transitions = %v, want 3", seen)
		}
	}
	want := []ConnState{StateConnected, StateDisconnected, StateConnected}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestEmitWhileDisconnectedDrops(t *testing.T) {
	ch := New("ws://127.0.0.1:1/socket", "alice")
	defer ch.Close()

	// Never connected: emit must not error, the event is just dropped.
	if err := ch.Emit("call_user", map[string]string{"userToCall": "bob"}); err != nil {
		t.Fatalf("Emit while disconnected: %v", err)
	}
	if ch.Connected() {
		t.Fatal("Connected() = true without a connection")
	}
}

func TestOnUnsubscribe(t *testing.T) {
	coord, url := startCoordinator(t)
	ch := New(url, "alice")
	defer ch.Close()

	var calls sync.Map
	off := ch.On("ev", func(json.RawMessage) { calls.Store("first", true) })
	ch.On("ev", func(json.RawMessage) { calls.Store("second", true) })
	off()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Connect(ctx)
	waitFor(t, "join", func() bool { return coord.joinCount() == 1 })

	coord.push(t, "ev", struct{}{})
	waitFor(t, "second handler ran", func() bool {
		_, ok := calls.Load("second")
		return ok
	})
	if _, ok := calls.Load("first"); ok {
		t.Fatal("unsubscribed handler still ran")
	}
}
