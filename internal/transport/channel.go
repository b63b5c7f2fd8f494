// Package transport implements the persistent event channel to the call
// coordinator: a WebSocket carrying named-event JSON envelopes. Reconnection
// is automatic; the user's identity room is re-announced on every (re)connect
// so the coordinator can route events while the app comes and goes from the
// network. While disconnected, Emit drops silently — call state is held
// locally and signaling resumes once the channel is back (handled upstream).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// EventJoin announces the local identity to the coordinator so it can
	// route addressed events to this device. Sent on every (re)connect.
	EventJoin = "join"

	writeTimeout = 10 * time.Second

	reconnectMin = 500 * time.Millisecond
	reconnectMax = 10 * time.Second
)

// Envelope is the wire frame for every channel message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives the raw payload of one inbound event.
// Handlers run on the single read-loop goroutine, in arrival order.
type Handler func(payload json.RawMessage)

// ConnState reports whether the channel currently has a live connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
)

func (s ConnState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

type handlerEntry struct {
	id int
	fn Handler
}

// Channel is a persistent bidirectional event channel to the coordinator.
type Channel struct {
	url      string
	identity string
	dialer   *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex // guards conn and writes to it
	conn *websocket.Conn

	handlerMu sync.RWMutex
	handlers  map[string][]handlerEntry
	nextID    int

	stateMu   sync.Mutex
	stateSubs map[chan ConnState]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a channel for the given coordinator URL (ws:// or wss://) and
// local identity. Nothing is dialed until Connect.
func New(url, identity string) *Channel {
	return &Channel{
		url:        url,
		identity:   identity,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: reconnectMin,
		maxBackoff: reconnectMax,
		handlers:   make(map[string][]handlerEntry),
		stateSubs:  make(map[chan ConnState]struct{}),
		done:       make(chan struct{}),
	}
}

// SetBackoff overrides the reconnect backoff bounds. Zero keeps the default
// for that bound. Must be called before Connect.
func (c *Channel) SetBackoff(min, max time.Duration) {
	if min > 0 {
		c.minBackoff = min
	}
	if max > 0 {
		c.maxBackoff = max
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = c.minBackoff
	}
}

// Connect starts the dial/read loop. It returns immediately; the loop keeps
// reconnecting with backoff until ctx is cancelled or Close is called.
func (c *Channel) Connect(ctx context.Context) {
	go c.run(ctx)
}

// Emit sends one event to the coordinator. While disconnected the event is
// dropped silently (logged only) — at-least-once delivery is promised only
// while connected.
func (c *Channel) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		log.Printf("TRANSPORT: dropped %s (disconnected)", event)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(Envelope{Event: event, Payload: raw}); err != nil {
		return fmt.Errorf("transport: write %s: %w", event, err)
	}
	return nil
}

// On registers a handler for an event and returns its unsubscribe func.
func (c *Channel) On(event string, fn Handler) (off func()) {
	c.handlerMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		entries := c.handlers[event]
		for i, e := range entries {
			if e.id == id {
				c.handlers[event] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// SubscribeState returns a channel that receives connection-state changes
// and a cancel func. The current state is not replayed; subscribers start
// from the next transition.
func (c *Channel) SubscribeState() (<-chan ConnState, func()) {
	ch := make(chan ConnState, 4)
	c.stateMu.Lock()
	c.stateSubs[ch] = struct{}{}
	c.stateMu.Unlock()

	return ch, func() {
		c.stateMu.Lock()
		if _, ok := c.stateSubs[ch]; ok {
			delete(c.stateSubs, ch)
			close(ch)
		}
		c.stateMu.Unlock()
	}
}

// Connected reports whether a live connection exists right now.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears the channel down permanently.
func (c *Channel) Close() {
	c.stopOnce.Do(func() { close(c.done) })
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// run dials, announces identity, and reads until the connection dies, then
// backs off and retries. Handlers are invoked from this single goroutine so
// inbound events apply one at a time, in delivery order.
func (c *Channel) run(ctx context.Context) {
	backoff := c.minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Printf("TRANSPORT: dial %s failed: %v (retry in %v)", c.url, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		// Re-announce identity on every connect so the coordinator re-joins
		// this device to its routing room after any gap.
		if err := c.Emit(EventJoin, map[string]string{"id": c.identity}); err != nil {
			log.Printf("TRANSPORT: announce failed: %v", err)
		}
		log.Printf("TRANSPORT: connected to %s as %s", c.url, c.identity)
		c.notifyState(StateConnected)

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		log.Printf("TRANSPORT: disconnected from %s", c.url)
		c.notifyState(StateDisconnected)
	}
}

// readLoop decodes envelopes until the connection errors out.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("TRANSPORT: read error: %v", err)
			}
			return
		}
		if env.Event == "" {
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch calls every handler registered for the event, synchronously and
// in registration order. Running handlers inline on the read loop is what
// guarantees the no-reorder contract for signaling events.
func (c *Channel) dispatch(env *Envelope) {
	c.handlerMu.RLock()
	entries := make([]handlerEntry, len(c.handlers[env.Event]))
	copy(entries, c.handlers[env.Event])
	c.handlerMu.RUnlock()

	for _, e := range entries {
		e.fn(env.Payload)
	}
}

// notifyState fans a state transition out to subscribers, dropping on full
// buffers so a stalled subscriber can never block the read loop.
func (c *Channel) notifyState(s ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for ch := range c.stateSubs {
		select {
		case ch <- s:
		default:
		}
	}
}
