// Package media is the negotiation bridge of the call subsystem: it owns
// local capture (microphone/camera via pion/mediadevices) and one Pion
// PeerConnection per remote participant, and exchanges typed events with the
// call controller. The controller relays the SDP and ICE messages the bridge
// produces over the transport channel; nothing in here touches signaling
// directly.
//
// ICE candidates routinely arrive before the SDP exchange for a peer has
// completed. They are buffered per peer and replayed once the remote
// description is applied — dropping them causes silent one-way media.
package media

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const eventBufCap = 64

// FrameSource yields encoded still frames of the local camera for the
// fallback frame-relay path. ReadFrame blocks until the next frame.
type FrameSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// localMedia is the platform capture surface. The linux implementation
// captures real devices through pion/mediadevices; elsewhere (and in tests)
// a receive-only stub is used.
type localMedia interface {
	// populate registers the capture codecs on a media engine.
	populate(e *webrtc.MediaEngine) error
	// attach adds the local tracks (or recvonly transceivers) to a new
	// peer connection.
	attach(pc *webrtc.PeerConnection, userID string)
	// frames returns the self-frame source, or nil when video capture is
	// unavailable.
	frames() FrameSource
	// close stops all capture devices. Must be unconditional — the devices
	// are shared hardware and the session owns them only while active.
	close()
}

// Options configures a Bridge.
type Options struct {
	// ICEServers is the STUN list used for every peer connection.
	// No TURN fallback is configured; symmetric-NAT failure surfaces as
	// EventPeerFailed.
	ICEServers []string

	// DisableCapture forces the receive-only media stub. Used by tests and
	// by hosts that route capture elsewhere.
	DisableCapture bool
}

// peerHandle is the negotiation state for one remote participant.
type peerHandle struct {
	userID     string
	pc         *webrtc.PeerConnection
	localOffer bool // we created and sent an offer
	remoteSet  bool // remote description applied; candidates can flow
	pending    []webrtc.ICECandidateInit
}

// Bridge owns local capture and the per-participant peer connections.
type Bridge struct {
	mu         sync.Mutex
	iceServers []string
	noCapture  bool

	inCall    bool
	voiceOnly bool
	media     localMedia
	ready     bool     // capture finished; peer connections may be built
	deferred  []func() // ops queued between Init and media-ready
	initGen   int      // invalidates in-flight capture when the session ends

	peers map[string]*peerHandle
	// orphanCands buffers candidates for peers that have no connection yet.
	orphanCands map[string][]webrtc.ICECandidateInit

	frameMu     sync.Mutex
	latestFrame []byte

	statsMu sync.Mutex
	stats   map[string]map[string]*TrackStats // userID → kind → counters

	events chan Event
}

// NewBridge creates an idle bridge. Init starts a session.
func NewBridge(opts Options) *Bridge {
	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Bridge{
		iceServers:  servers,
		noCapture:   opts.DisableCapture,
		peers:       make(map[string]*peerHandle),
		orphanCands: make(map[string][]webrtc.ICECandidateInit),
		events:      make(chan Event, eventBufCap),
	}
}

// Events returns the bridge→controller event stream. The channel is never
// closed; events are dropped (with a log line) if the consumer stalls.
func (b *Bridge) Events() <-chan Event { return b.events }

// SetICEServers replaces the STUN list for peer connections built from now
// on. Existing connections are left alone.
func (b *Bridge) SetICEServers(urls []string) {
	if len(urls) == 0 {
		return
	}
	b.mu.Lock()
	b.iceServers = append([]string(nil), urls...)
	b.mu.Unlock()
}

// Init begins a media session: capture devices are acquired asynchronously
// (device acquisition and permission prompts block), then EventMediaReady or
// EventError is emitted. Operations issued before readiness are queued and
// run once capture settles.
func (b *Bridge) Init(voiceOnly bool) {
	b.mu.Lock()
	if b.inCall {
		b.mu.Unlock()
		log.Printf("MEDIA: Init ignored — session already active")
		return
	}
	b.inCall = true
	b.voiceOnly = voiceOnly
	b.initGen++
	gen := b.initGen
	noCapture := b.noCapture
	b.mu.Unlock()

	go func() {
		var m localMedia
		var err error
		if noCapture {
			m = &recvOnlyMedia{}
		} else {
			m, err = acquireMedia(voiceOnly, func(level, msg string) {
				log.Printf("MEDIA: capture %s: %s", level, msg)
			})
		}
		if err != nil {
			// Capture failure degrades to receive-only; the call still
			// proceeds so signaling never silently hangs.
			b.emit(Event{Type: EventError, Message: fmt.Sprintf("local capture: %v", err)})
			m = &recvOnlyMedia{}
		}

		b.mu.Lock()
		if !b.inCall || b.initGen != gen {
			// Session ended while we were acquiring — release immediately.
			b.mu.Unlock()
			m.close()
			return
		}
		b.media = m
		b.ready = true
		queued := b.deferred
		b.deferred = nil
		b.mu.Unlock()

		if src := m.frames(); src != nil {
			go b.pumpFrames(src)
		}
		b.emit(Event{Type: EventMediaReady})
		for _, op := range queued {
			op()
		}
	}()
}

// AddPeer creates the peer connection for userID (initiator side), attaches
// local tracks and produces an SDP offer via EventOfferCreated.
func (b *Bridge) AddPeer(userID string) {
	if b.deferUntilReady(func() { b.AddPeer(userID) }) {
		return
	}

	b.mu.Lock()
	if _, exists := b.peers[userID]; exists {
		b.mu.Unlock()
		log.Printf("MEDIA [%s]: AddPeer ignored — connection exists", userID)
		return
	}
	h, err := b.newPeerLocked(userID)
	if err != nil {
		b.mu.Unlock()
		b.emit(Event{Type: EventError, To: userID, Message: err.Error()})
		return
	}

	offer, err := h.pc.CreateOffer(nil)
	if err == nil {
		err = h.pc.SetLocalDescription(offer)
	}
	if err != nil {
		b.closePeerLocked(h)
		b.mu.Unlock()
		b.emit(Event{Type: EventError, To: userID, Message: fmt.Sprintf("create offer: %v", err)})
		return
	}
	h.localOffer = true
	b.mu.Unlock()

	log.Printf("MEDIA [%s]: offer created", userID)
	b.emit(Event{Type: EventOfferCreated, To: userID, SDP: offer.SDP})
}

// HandleOffer applies a remote offer (receiver side), creates/reuses the
// peer connection for from and produces an answer via EventAnswerCreated.
func (b *Bridge) HandleOffer(from, sdp string) {
	if b.deferUntilReady(func() { b.HandleOffer(from, sdp) }) {
		return
	}

	b.mu.Lock()
	h, exists := b.peers[from]
	if !exists {
		var err error
		h, err = b.newPeerLocked(from)
		if err != nil {
			b.mu.Unlock()
			b.emit(Event{Type: EventError, To: from, Message: err.Error()})
			return
		}
	}

	err := h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		b.mu.Unlock()
		b.emit(Event{Type: EventError, To: from, Message: fmt.Sprintf("apply offer: %v", err)})
		return
	}
	h.remoteSet = true
	b.flushCandidatesLocked(h)

	answer, err := h.pc.CreateAnswer(nil)
	if err == nil {
		err = h.pc.SetLocalDescription(answer)
	}
	if err != nil {
		b.mu.Unlock()
		b.emit(Event{Type: EventError, To: from, Message: fmt.Sprintf("create answer: %v", err)})
		return
	}
	b.mu.Unlock()

	log.Printf("MEDIA [%s]: answer created", from)
	b.emit(Event{Type: EventAnswerCreated, To: from, SDP: answer.SDP})
}

// HandleAnswer applies a remote answer to the connection we offered on.
// An answer with no matching outstanding offer is a logged no-op.
func (b *Bridge) HandleAnswer(from, sdp string) {
	if b.deferUntilReady(func() { b.HandleAnswer(from, sdp) }) {
		return
	}

	b.mu.Lock()
	h, ok := b.peers[from]
	if !ok || !h.localOffer {
		b.mu.Unlock()
		log.Printf("MEDIA [%s]: answer with no outstanding offer — ignored", from)
		return
	}
	err := h.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		b.mu.Unlock()
		b.emit(Event{Type: EventError, To: from, Message: fmt.Sprintf("apply answer: %v", err)})
		return
	}
	h.remoteSet = true
	b.flushCandidatesLocked(h)
	b.mu.Unlock()

	log.Printf("MEDIA [%s]: answer applied", from)
}

// HandleCandidate applies a remote ICE candidate, buffering it when the
// peer connection does not exist yet or its remote description is not
// applied yet.
func (b *Bridge) HandleCandidate(from string, cand webrtc.ICECandidateInit) {
	b.mu.Lock()
	h, ok := b.peers[from]
	if !ok {
		b.orphanCands[from] = append(b.orphanCands[from], cand)
		b.mu.Unlock()
		log.Printf("MEDIA [%s]: candidate buffered (no connection yet)", from)
		return
	}
	if !h.remoteSet {
		h.pending = append(h.pending, cand)
		b.mu.Unlock()
		return
	}
	err := h.pc.AddICECandidate(cand)
	b.mu.Unlock()
	if err != nil {
		b.emit(Event{Type: EventError, To: from, Message: fmt.Sprintf("add candidate: %v", err)})
	}
}

// RemovePeer closes and discards the connection for userID.
func (b *Bridge) RemovePeer(userID string) {
	b.mu.Lock()
	h, ok := b.peers[userID]
	if ok {
		b.closePeerLocked(h)
	}
	delete(b.orphanCands, userID)
	b.mu.Unlock()
	if ok {
		log.Printf("MEDIA [%s]: peer removed", userID)
	}
}

// EndCall closes every peer connection and stops local capture. It is
// synchronous and unconditional: after it returns, no capture device is held
// and no peer connection survives. Safe to call repeatedly.
func (b *Bridge) EndCall() {
	b.mu.Lock()
	if !b.inCall {
		b.mu.Unlock()
		return
	}
	b.inCall = false
	b.ready = false
	b.initGen++ // invalidate any in-flight capture acquisition
	b.deferred = nil
	for _, h := range b.peers {
		b.closePeerLocked(h)
	}
	b.peers = make(map[string]*peerHandle)
	b.orphanCands = make(map[string][]webrtc.ICECandidateInit)
	m := b.media
	b.media = nil
	b.mu.Unlock()

	if m != nil {
		m.close()
	}
	b.frameMu.Lock()
	b.latestFrame = nil
	b.frameMu.Unlock()
	b.statsMu.Lock()
	b.stats = nil
	b.statsMu.Unlock()
	log.Printf("MEDIA: session ended, all peers closed, capture released")
}

// PeerCount returns the number of live peer connections.
func (b *Bridge) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// LatestFrame returns a copy of the most recent encoded local camera frame,
// or nil when video capture is off/unavailable. Last write wins; there is no
// frame queue.
func (b *Bridge) LatestFrame() []byte {
	b.frameMu.Lock()
	defer b.frameMu.Unlock()
	if b.latestFrame == nil {
		return nil
	}
	cp := make([]byte, len(b.latestFrame))
	copy(cp, b.latestFrame)
	return cp
}

// deferUntilReady queues op when capture has not settled yet. Returns true
// when the op was queued (or dropped because no session is active).
func (b *Bridge) deferUntilReady(op func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inCall {
		log.Printf("MEDIA: op dropped — no active session")
		return true
	}
	if !b.ready {
		b.deferred = append(b.deferred, op)
		return true
	}
	return false
}

// newPeerLocked builds the peer connection for userID: capture codecs,
// default interceptors, generous ICE timeouts so brief NAT hiccups do not
// kill the call, local tracks attached, buffered orphan candidates adopted.
// Caller holds b.mu.
func (b *Bridge) newPeerLocked(userID string) (*peerHandle, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := b.media.populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}

	// The default disconnectedTimeout (5 s) is too aggressive for mobile
	// networks; 30 s lets ICE recover from short outages without a teardown.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(b.iceServers))
	for _, u := range b.iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	b.media.attach(pc, userID)

	h := &peerHandle{userID: userID, pc: pc}
	// Adopt candidates that arrived before this connection existed.
	if orphans := b.orphanCands[userID]; len(orphans) > 0 {
		h.pending = append(h.pending, orphans...)
		delete(b.orphanCands, userID)
		log.Printf("MEDIA [%s]: adopted %d buffered candidate(s)", userID, len(orphans))
	}
	b.peers[userID] = h

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		b.emit(Event{Type: EventCandidateGathered, To: userID, Candidate: &init})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		b.emit(Event{Type: EventTrackStarted, To: userID, TrackKind: track.Kind().String()})
		go b.receiveTrack(userID, pc, track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("MEDIA [%s]: connection state %s", userID, s)
		if s == webrtc.PeerConnectionStateFailed {
			b.emit(Event{Type: EventPeerFailed, To: userID, Message: "peer connection failed"})
		}
	})

	return h, nil
}

// flushCandidatesLocked applies candidates buffered before the remote
// description existed. Caller holds b.mu.
func (b *Bridge) flushCandidatesLocked(h *peerHandle) {
	if len(h.pending) == 0 {
		return
	}
	for _, cand := range h.pending {
		if err := h.pc.AddICECandidate(cand); err != nil {
			log.Printf("MEDIA [%s]: buffered candidate rejected: %v", h.userID, err)
		}
	}
	log.Printf("MEDIA [%s]: replayed %d buffered candidate(s)", h.userID, len(h.pending))
	h.pending = nil
}

// closePeerLocked closes one handle and removes it. Caller holds b.mu.
func (b *Bridge) closePeerLocked(h *peerHandle) {
	if err := h.pc.Close(); err != nil {
		log.Printf("MEDIA [%s]: close error: %v", h.userID, err)
	}
	delete(b.peers, h.userID)
}

// pumpFrames copies encoded self-view frames into latestFrame until the
// source is closed by EndCall. Last write wins — staleness self-corrects at
// the relay cadence.
func (b *Bridge) pumpFrames(src FrameSource) {
	for {
		data, release, err := src.ReadFrame()
		if err != nil {
			return
		}
		b.frameMu.Lock()
		b.latestFrame = data
		b.frameMu.Unlock()
		if release != nil {
			release()
		}
	}
}

// emit delivers an event without ever blocking a Pion callback.
func (b *Bridge) emit(e Event) {
	select {
	case b.events <- e:
	default:
		log.Printf("MEDIA: event %s dropped — consumer stalled", e.Type)
	}
}
