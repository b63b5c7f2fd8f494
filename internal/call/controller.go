// Package call implements the call-session state machine. One Controller
// instance lives for the whole app session, owned by the top-level
// application context and shared by reference between the full-screen call
// view and the minimized indicator — call state survives screen navigation.
//
// Every mutation flows through a single event loop: user intents, transport
// events, media-bridge events and timer fires are posted as ops and applied
// one at a time in arrival order. There is no partial transition visible
// anywhere; the presentation layer reads immutable snapshots.
package call

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/etopia1/ridelink/internal/proto"
	"github.com/etopia1/ridelink/internal/state"
	"github.com/etopia1/ridelink/internal/util"
)

const opsBufCap = 256

// ErrBusy is returned when an intent needs Idle but another session is live.
var ErrBusy = errors.New("call: another session is active")

// ErrNoSession is returned when an intent needs an active session.
var ErrNoSession = errors.New("call: no active session")

// Options tunes the controller. Zero values take the production defaults;
// tests shrink the timers.
type Options struct {
	// RingTimeout is the outgoing no-answer window.
	RingTimeout time.Duration
	// DurationTick is the connected-time counter cadence.
	DurationTick time.Duration
	// FrameInterval is the fallback video-relay cadence.
	FrameInterval time.Duration

	// VoiceOnly forces audio-only capture even for video calls (low-end
	// devices, metered connections).
	VoiceOnly bool

	Ringer   Ringer
	Audio    AudioRouter
	Notifier Notifier
}

func (o *Options) fillDefaults() {
	if o.RingTimeout == 0 {
		o.RingTimeout = 40 * time.Second
	}
	if o.DurationTick == 0 {
		o.DurationTick = time.Second
	}
	if o.FrameInterval == 0 {
		o.FrameInterval = 500 * time.Millisecond
	}
	if o.Ringer == nil {
		o.Ringer = nopRinger{}
	}
	if o.Audio == nil {
		o.Audio = nopAudioRouter{}
	}
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
}

// Controller is the call-session state machine.
type Controller struct {
	sig    Signaler
	bridge MediaBridge
	self   proto.Identity
	opts   Options

	ops      chan func()
	done     chan struct{}
	stopOnce sync.Once
	offs     []func()

	// Session state below is owned by the run loop and only touched from ops.
	status       Status
	ctype        CallType
	callID       string
	counterparty proto.Identity
	roster       *state.Roster
	// peersWired tracks who already has a media leg, so late group accepts
	// get one and duplicate accepts do not get a second.
	peersWired  map[string]struct{}
	group       bool
	outgoing    bool
	duration    int
	flags       Flags
	remoteFrame string
	degraded    bool
	foreground  bool
	transportUp bool

	// gen invalidates timer fires that outlive the session that armed them.
	gen       int
	ringing   bool
	ringTimer *time.Timer
	durStop   chan struct{}
	relayStop chan struct{}

	history *util.RingBuffer[Record]

	snapMu    sync.RWMutex
	snap      Snapshot
	listeners map[chan Snapshot]struct{}
}

// New wires a controller to its signaler and media bridge and starts the
// event loop. self identifies the local user on the signaling channel.
func New(sig Signaler, bridge MediaBridge, self proto.Identity, opts Options) *Controller {
	opts.fillDefaults()
	c := &Controller{
		sig:        sig,
		bridge:     bridge,
		self:       self,
		opts:       opts,
		ops:        make(chan func(), opsBufCap),
		done:       make(chan struct{}),
		roster:     state.NewRoster(),
		peersWired: make(map[string]struct{}),
		history:    util.NewRingBuffer[Record](historyCap),
		foreground: true,
		listeners:  make(map[chan Snapshot]struct{}),
	}
	c.snap = c.buildSnapshot()

	c.offs = append(c.offs,
		c.onEvent(proto.EventIncomingCall, func(raw json.RawMessage) {
			var msg proto.IncomingCall
			if unmarshalEvent(proto.EventIncomingCall, raw, &msg) {
				c.post(func() { c.onIncomingCall(msg) })
			}
		}),
		c.onEvent(proto.EventCallAccepted, func(raw json.RawMessage) {
			var msg proto.CallAccepted
			if unmarshalEvent(proto.EventCallAccepted, raw, &msg) {
				c.post(func() { c.onCallAccepted(msg) })
			}
		}),
		c.onEvent(proto.EventEndCall, func(raw json.RawMessage) {
			var msg proto.EndCall
			if unmarshalEvent(proto.EventEndCall, raw, &msg) {
				c.post(func() { c.onRemoteEnd(msg) })
			}
		}),
		c.onEvent(proto.EventVideoFrame, func(raw json.RawMessage) {
			var msg proto.VideoFrame
			if unmarshalEvent(proto.EventVideoFrame, raw, &msg) {
				c.post(func() { c.onVideoFrame(msg) })
			}
		}),
		c.onEvent(proto.EventToggleMedia, func(raw json.RawMessage) {
			var msg proto.ToggleMedia
			if unmarshalEvent(proto.EventToggleMedia, raw, &msg) {
				c.post(func() { c.onToggleMedia(msg) })
			}
		}),
		c.onEvent(proto.EventWebRTCOffer, func(raw json.RawMessage) {
			var msg proto.SessionDescription
			if unmarshalEvent(proto.EventWebRTCOffer, raw, &msg) {
				c.post(func() { c.onRemoteOffer(msg) })
			}
		}),
		c.onEvent(proto.EventWebRTCAnswer, func(raw json.RawMessage) {
			var msg proto.SessionDescription
			if unmarshalEvent(proto.EventWebRTCAnswer, raw, &msg) {
				c.post(func() { c.onRemoteAnswer(msg) })
			}
		}),
		c.onEvent(proto.EventWebRTCCandidate, func(raw json.RawMessage) {
			var msg proto.Candidate
			if unmarshalEvent(proto.EventWebRTCCandidate, raw, &msg) {
				c.post(func() { c.onRemoteCandidate(msg) })
			}
		}),
	)

	go c.run()
	return c
}

func (c *Controller) onEvent(event string, fn func(json.RawMessage)) func() {
	return c.sig.On(event, fn)
}

func unmarshalEvent(event string, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Printf("CALL: bad %s payload: %v", event, err)
		return false
	}
	return true
}

// run applies posted ops one at a time and publishes a snapshot after each.
func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			return
		case op := <-c.ops:
			op()
			c.publish()
		}
	}
}

// post enqueues an op for the run loop. Ops from a single source apply in
// the order that source produced them.
func (c *Controller) post(op func()) {
	select {
	case c.ops <- op:
	case <-c.done:
	}
}

// call posts an op and waits for it to run, returning its error.
func (c *Controller) call(op func() error) error {
	errCh := make(chan error, 1)
	c.post(func() { errCh <- op() })
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return ErrNoSession
	}
}

// ─── Presentation surface ────────────────────────────────────────────────────

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Subscribe returns a channel that receives a snapshot after every applied
// event, and a cancel func. Sends never block: a slow subscriber misses
// snapshots published while its buffer was full, and each snapshot it does
// receive was the latest state at the time it was sent.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	c.snapMu.Lock()
	c.listeners[ch] = struct{}{}
	c.snapMu.Unlock()

	return ch, func() {
		c.snapMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.snapMu.Unlock()
	}
}

func (c *Controller) buildSnapshot() Snapshot {
	return Snapshot{
		Status:       c.status,
		Type:         c.ctype,
		CallID:       c.callID,
		Counterparty: c.counterparty,
		Roster:       c.roster.Snapshot(),
		Group:        c.group,
		Duration:     c.duration,
		Flags:        c.flags,
		RemoteFrame:  c.remoteFrame,
		Degraded:     c.degraded,
		TransportUp:  c.transportUp,
	}
}

func (c *Controller) publish() {
	snap := c.buildSnapshot()
	c.snapMu.Lock()
	c.snap = snap
	for ch := range c.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	c.snapMu.Unlock()
}

// ─── User intents ────────────────────────────────────────────────────────────

// StartCall dials one counterparty. Only valid from Idle.
func (c *Controller) StartCall(target proto.Identity, ctype CallType) error {
	return c.call(func() error { return c.startCall([]proto.Identity{target}, ctype, false) })
}

// StartGroupCall dials several counterparties at once; each maintains a
// direct peer connection to everyone else (mesh). Only valid from Idle.
func (c *Controller) StartGroupCall(targets []proto.Identity, ctype CallType) error {
	if len(targets) == 0 {
		return fmt.Errorf("call: no targets")
	}
	return c.call(func() error { return c.startCall(targets, ctype, true) })
}

// Invite rings an extra participant into the running group call.
func (c *Controller) Invite(target proto.Identity) error {
	return c.call(func() error { return c.invite(target) })
}

// Answer accepts the ringing incoming call.
func (c *Controller) Answer() error {
	return c.call(func() error { return c.answer() })
}

// Reject declines the ringing incoming call. No-op when already Idle.
func (c *Controller) Reject() {
	_ = c.call(func() error { c.reject(); return nil })
}

// Hangup ends the session from any state. Idempotent — a second call on an
// already-Idle session does nothing.
func (c *Controller) Hangup() {
	_ = c.call(func() error { c.hangup(); return nil })
}

// ToggleMute flips the local microphone flag and reports the new muted state.
// A no-op outside an active session.
func (c *Controller) ToggleMute() bool {
	var muted bool
	_ = c.call(func() error {
		if c.status == StatusIdle {
			return nil
		}
		c.flags.Muted = !c.flags.Muted
		muted = c.flags.Muted
		c.emitToggle(proto.MediaAudio, !c.flags.Muted)
		log.Printf("CALL [%s]: muted=%v", c.callID, muted)
		return nil
	})
	return muted
}

// ToggleVideo flips the local camera flag and reports the new videoOff state.
// Turning video off announces it so the remote side swaps to a placeholder
// instead of a frozen last frame; the relay loop stops on the next tick.
func (c *Controller) ToggleVideo() bool {
	var off bool
	_ = c.call(func() error {
		if c.status == StatusIdle {
			return nil
		}
		c.flags.VideoOff = !c.flags.VideoOff
		off = c.flags.VideoOff
		c.emitToggle(proto.MediaVideo, !c.flags.VideoOff)
		log.Printf("CALL [%s]: videoOff=%v", c.callID, off)
		return nil
	})
	return off
}

// ToggleSpeaker flips the speakerphone flag and reports the new state.
func (c *Controller) ToggleSpeaker() bool {
	var on bool
	_ = c.call(func() error {
		c.flags.SpeakerOn = !c.flags.SpeakerOn
		on = c.flags.SpeakerOn
		if c.status == StatusConnected {
			c.opts.Audio.RouteForCall(c.ctype == CallVideo, on)
		}
		return nil
	})
	return on
}

// SetForeground tells the controller whether the call screen is the
// foregrounded view. Frame relay only runs while it is; audio is unaffected —
// a minimized call keeps running.
func (c *Controller) SetForeground(fg bool) {
	_ = c.call(func() error { c.foreground = fg; return nil })
}

// HandleMediaEvent feeds one bridge event into the loop. The composition
// root pumps the concrete bridge's event channel through this.
func (c *Controller) HandleMediaEvent(ev MediaEvent) {
	c.post(func() { c.onMediaEvent(ev) })
}

// SetTransportUp records the signaling channel state. A drop mid-call does
// not end the session — state is held pending automatic reconnection.
func (c *Controller) SetTransportUp(up bool) {
	c.post(func() {
		c.transportUp = up
		if !up && c.status != StatusIdle {
			log.Printf("CALL [%s]: transport lost mid-call — holding state", c.callID)
		}
	})
}

// Close hangs up any active session and stops the loop.
func (c *Controller) Close() {
	c.Hangup()
	c.stopOnce.Do(func() {
		for _, off := range c.offs {
			off()
		}
		close(c.done)
	})
}

// ─── Transitions ─────────────────────────────────────────────────────────────

func (c *Controller) startCall(targets []proto.Identity, ctype CallType, group bool) error {
	if c.status != StatusIdle {
		return ErrBusy
	}

	c.gen++
	c.status = StatusCalling
	c.ctype = ctype
	c.callID = uuid.NewString()
	c.group = group
	c.outgoing = true
	c.duration = 0
	c.flags = Flags{}
	c.remoteFrame = ""
	c.degraded = false
	c.counterparty = targets[0]
	for _, t := range targets {
		c.roster.Add(t)
	}

	c.bridge.Init(ctype == CallVoice || c.opts.VoiceOnly)

	for _, t := range targets {
		c.emitSig(proto.EventCallUser, proto.CallUser{
			UserToCall:  t.ID,
			CallType:    ctype.String(),
			IsGroupCall: group,
			Name:        c.self.Name,
			Avatar:      c.self.Avatar,
		})
	}

	c.startRinging(false)
	c.armRingTimer()
	log.Printf("CALL [%s]: calling %d user(s) (%s)", c.callID, len(targets), ctype)
	return nil
}

func (c *Controller) invite(target proto.Identity) error {
	if c.status != StatusConnected || !c.group {
		return ErrNoSession
	}
	c.roster.Add(target)
	c.emitSig(proto.EventCallUser, proto.CallUser{
		UserToCall:     target.ID,
		CallType:       c.ctype.String(),
		IsGroupCall:    true,
		ExistingCallID: c.callID,
		Name:           c.self.Name,
		Avatar:         c.self.Avatar,
	})
	log.Printf("CALL [%s]: invited %s", c.callID, target.ID)
	return nil
}

func (c *Controller) onIncomingCall(msg proto.IncomingCall) {
	if c.status != StatusIdle {
		// Busy-reject: the existing session must not be disturbed and two
		// sessions must never merge. The caller gets a distinct busy flag.
		log.Printf("CALL [%s]: busy-rejecting incoming call from %s", c.callID, msg.From)
		c.emitSig(proto.EventEndCall, proto.EndCall{To: msg.From, From: c.self.ID, Busy: true})
		return
	}

	c.gen++
	c.status = StatusIncoming
	c.ctype = parseCallType(msg.CallType)
	c.group = msg.IsGroupCall
	c.outgoing = false
	c.duration = 0
	c.flags = Flags{}
	c.remoteFrame = ""
	c.degraded = false
	if msg.CallID != "" {
		c.callID = msg.CallID
	} else {
		c.callID = uuid.NewString()
	}
	c.counterparty = proto.Identity{ID: msg.From, Name: msg.Name, Avatar: msg.Avatar}
	c.roster.Add(c.counterparty)

	c.bridge.Init(c.ctype == CallVoice || c.opts.VoiceOnly)
	c.startRinging(true)
	log.Printf("CALL [%s]: incoming %s call from %s", c.callID, c.ctype, msg.From)
}

func (c *Controller) onCallAccepted(msg proto.CallAccepted) {
	from := msg.From
	if from == "" {
		from = c.counterparty.ID
	}

	switch {
	case c.status == StatusCalling:
		log.Printf("CALL [%s]: accepted by %s", c.callID, from)
		c.enterConnected()
		// Initiator side: build the peer connection and send the offer.
		c.addPeer(from)
	case c.status == StatusConnected && c.group:
		// Group members keep accepting after the first one connected, and
		// invited members accept while the call is already running. Each
		// still needs its own leg of the mesh.
		if _, ok := c.roster.Get(from); !ok {
			log.Printf("CALL [%s]: call_accepted from non-member %s ignored", c.callID, from)
			return
		}
		log.Printf("CALL [%s]: accepted by %s (mid-call)", c.callID, from)
		c.addPeer(from)
	default:
		log.Printf("CALL [%s]: stale call_accepted ignored (status=%s)", c.callID, c.status)
	}
}

// addPeer wires the media leg for one participant exactly once per session;
// duplicate accepts are ignored.
func (c *Controller) addPeer(from string) {
	if _, ok := c.peersWired[from]; ok {
		log.Printf("CALL [%s]: duplicate accept from %s ignored", c.callID, from)
		return
	}
	c.peersWired[from] = struct{}{}
	c.bridge.AddPeer(from)
}

func (c *Controller) answer() error {
	if c.status != StatusIncoming {
		return ErrNoSession
	}
	c.emitSig(proto.EventAnswerCall, proto.AnswerCall{To: c.counterparty.ID})
	log.Printf("CALL [%s]: answered", c.callID)
	c.enterConnected()
	// The caller creates the offer; our bridge answers when it arrives.
	return nil
}

func (c *Controller) reject() {
	if c.status != StatusIncoming {
		return
	}
	c.emitSig(proto.EventEndCall, proto.EndCall{To: c.counterparty.ID, From: c.self.ID})
	log.Printf("CALL [%s]: rejected", c.callID)
	c.teardown(OutcomeRejected)
}

func (c *Controller) hangup() {
	if c.status == StatusIdle {
		return
	}
	for _, id := range c.roster.IDs() {
		c.emitSig(proto.EventEndCall, proto.EndCall{To: id, From: c.self.ID})
	}
	log.Printf("CALL [%s]: hangup", c.callID)
	if c.status == StatusConnected {
		c.teardown(OutcomeCompleted)
	} else {
		c.teardown(OutcomeCancelled)
	}
}

func (c *Controller) onRemoteEnd(msg proto.EndCall) {
	if c.status == StatusIdle {
		return
	}

	// A member leaving a group call with others still on it only shrinks the
	// roster; the session survives.
	if c.group && msg.From != "" && c.roster.Count() > 1 {
		if c.roster.Remove(msg.From) {
			delete(c.peersWired, msg.From)
			c.bridge.RemovePeer(msg.From)
			log.Printf("CALL [%s]: %s left (%d remaining)", c.callID, msg.From, c.roster.Count())
			return
		}
	}

	outcome := OutcomeCompleted
	switch {
	case msg.Busy:
		c.opts.Notifier.Busy(c.counterparty)
		outcome = OutcomeBusy
	case c.status == StatusIncoming:
		// The caller gave up (or marked us missed) before we answered.
		if msg.WasMissed {
			c.opts.Notifier.Missed(c.counterparty)
		}
		outcome = OutcomeMissed
	case c.status == StatusCalling:
		outcome = OutcomeRejected
	}
	log.Printf("CALL [%s]: remote ended (busy=%v missed=%v)", c.callID, msg.Busy, msg.WasMissed)
	c.teardown(outcome)
}

func (c *Controller) onRingTimeout(gen int) {
	if gen != c.gen || c.status != StatusCalling {
		return // stale fire from a previous session
	}
	c.opts.Notifier.NoAnswer(c.counterparty)
	for _, id := range c.roster.IDs() {
		c.emitSig(proto.EventEndCall, proto.EndCall{To: id, From: c.self.ID, WasMissed: true})
	}
	log.Printf("CALL [%s]: no answer after %v", c.callID, c.opts.RingTimeout)
	c.teardown(OutcomeNoAnswer)
}

// enterConnected performs Calling|Incoming → Connected: ringing stops, the
// no-answer timer is cancelled, the duration counter starts, audio routing
// switches to the call profile and (for video calls) the relay ticker starts.
func (c *Controller) enterConnected() {
	c.cancelRingTimer()
	c.stopRinging()
	c.status = StatusConnected
	c.opts.Audio.RouteForCall(c.ctype == CallVideo, c.flags.SpeakerOn)
	c.startDurationTimer()
	c.startRelayTicker()
}

// teardown is the single path back to Idle. Every timer and loop started by
// the session is cancelled synchronously here — there is no deferred
// cleanup, and no peer connection outlives its session.
func (c *Controller) teardown(outcome Outcome) {
	c.history.Push(Record{
		Counterparty: c.counterparty,
		Type:         c.ctype,
		Outgoing:     c.outgoing,
		Group:        c.group,
		Duration:     c.duration,
		Outcome:      outcome,
		EndedAt:      time.Now(),
	})

	c.gen++
	c.cancelRingTimer()
	c.stopRinging()
	c.stopDurationTimer()
	c.stopRelayTicker()
	c.bridge.EndCall()
	c.opts.Audio.Reset()
	c.roster.Clear()
	c.peersWired = make(map[string]struct{})

	c.status = StatusIdle
	c.ctype = CallVoice
	c.callID = ""
	c.counterparty = proto.Identity{}
	c.group = false
	c.outgoing = false
	c.duration = 0
	c.flags = Flags{}
	c.remoteFrame = ""
	c.degraded = false
	log.Printf("CALL: session reset (%s)", outcome)
}

// ─── Remote media/frame events ───────────────────────────────────────────────

func (c *Controller) onVideoFrame(msg proto.VideoFrame) {
	if c.status != StatusConnected {
		return
	}
	// Last write wins; no queueing. Staleness self-corrects at the cadence.
	c.remoteFrame = msg.Frame
}

func (c *Controller) onToggleMedia(msg proto.ToggleMedia) {
	if c.status == StatusIdle {
		return
	}
	c.roster.SetMediaOff(msg.From, msg.Type, !msg.Status)
	if msg.Type == proto.MediaVideo && !msg.Status {
		// Remote camera went off: drop the stale frame so the UI shows the
		// placeholder, not a freeze-frame.
		c.remoteFrame = ""
	}
}

func (c *Controller) onRemoteOffer(msg proto.SessionDescription) {
	if c.status == StatusIdle {
		return
	}
	c.bridge.HandleOffer(msg.From, msg.SDP)
}

func (c *Controller) onRemoteAnswer(msg proto.SessionDescription) {
	if c.status == StatusIdle {
		return
	}
	c.bridge.HandleAnswer(msg.From, msg.SDP)
}

func (c *Controller) onRemoteCandidate(msg proto.Candidate) {
	if c.status == StatusIdle {
		return
	}
	c.bridge.HandleCandidate(msg.From, msg)
}

func (c *Controller) onMediaEvent(ev MediaEvent) {
	switch ev.Kind {
	case "media_ready":
		log.Printf("CALL [%s]: media ready", c.callID)
	case "offer":
		c.emitSig(proto.EventWebRTCOffer, proto.SessionDescription{To: ev.To, From: c.self.ID, SDP: ev.SDP})
	case "answer":
		c.emitSig(proto.EventWebRTCAnswer, proto.SessionDescription{To: ev.To, From: c.self.ID, SDP: ev.SDP})
	case "candidate":
		if ev.Candidate == nil {
			return
		}
		cand := *ev.Candidate
		cand.To = ev.To
		cand.From = c.self.ID
		c.emitSig(proto.EventWebRTCCandidate, cand)
	case "peer_failed", "error":
		// Media trouble degrades the call; it never force-ends it.
		if c.status != StatusIdle {
			c.degraded = true
			c.opts.Notifier.Degraded(ev.To, ev.Message)
			log.Printf("CALL [%s]: media degraded (%s): %s", c.callID, ev.To, ev.Message)
		}
	}
}

// ─── Timers ──────────────────────────────────────────────────────────────────

func (c *Controller) armRingTimer() {
	gen := c.gen
	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() {
		c.post(func() { c.onRingTimeout(gen) })
	})
}

func (c *Controller) cancelRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// startRinging starts the ringtone loop once per session; re-entry is a
// guarded no-op so two concurrent audio/vibration loops can never exist.
func (c *Controller) startRinging(incoming bool) {
	if c.ringing {
		return
	}
	c.ringing = true
	c.opts.Ringer.Start(incoming)
}

func (c *Controller) stopRinging() {
	if !c.ringing {
		return
	}
	c.ringing = false
	c.opts.Ringer.Stop()
}

// startDurationTimer starts the 1 Hz connected-time counter. Connected must
// not be re-entered without an intervening Idle; if it ever is, the running
// counter is kept and the violation logged rather than doubling the rate.
func (c *Controller) startDurationTimer() {
	if c.durStop != nil {
		log.Printf("CALL [%s]: invariant violation — duration timer already running", c.callID)
		return
	}
	stop := make(chan struct{})
	c.durStop = stop
	gen := c.gen
	go func() {
		ticker := time.NewTicker(c.opts.DurationTick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.post(func() {
					if gen == c.gen && c.status == StatusConnected {
						c.duration++
					}
				})
			}
		}
	}()
}

func (c *Controller) stopDurationTimer() {
	if c.durStop != nil {
		close(c.durStop)
		c.durStop = nil
	}
}

// startRelayTicker drives the base64 fallback frame relay at the configured
// cadence. Each tick is posted through the run loop, so the gate below is
// checked against current state and no frame is ever emitted after a toggle
// or teardown has been applied.
func (c *Controller) startRelayTicker() {
	if c.relayStop != nil {
		return
	}
	stop := make(chan struct{})
	c.relayStop = stop
	gen := c.gen
	go func() {
		ticker := time.NewTicker(c.opts.FrameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.post(func() { c.onRelayTick(gen) })
			}
		}
	}()
}

func (c *Controller) stopRelayTicker() {
	if c.relayStop != nil {
		close(c.relayStop)
		c.relayStop = nil
	}
}

// onRelayTick emits the latest captured frame to every participant. It is a
// no-op unless a video call is connected, the camera is on and the call
// screen is foregrounded.
func (c *Controller) onRelayTick(gen int) {
	if gen != c.gen || c.status != StatusConnected {
		return
	}
	if c.ctype != CallVideo || c.flags.VideoOff || !c.foreground {
		return
	}
	data := c.bridge.LatestFrame()
	if len(data) == 0 {
		return
	}
	frame := encodeFrame(data)
	for _, id := range c.roster.IDs() {
		c.emitSig(proto.EventVideoFrame, proto.VideoFrame{To: id, From: c.self.ID, Frame: frame})
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// emitSig sends one signaling event, logging (never propagating) failures —
// a disconnected transport drops silently and the session state is held.
func (c *Controller) emitSig(event string, payload any) {
	if err := c.sig.Emit(event, payload); err != nil {
		log.Printf("CALL [%s]: emit %s: %v", c.callID, event, err)
	}
}

// emitToggle announces a local media toggle to every participant.
func (c *Controller) emitToggle(kind string, status bool) {
	if c.status == StatusIdle {
		return
	}
	for _, id := range c.roster.IDs() {
		c.emitSig(proto.EventToggleMedia, proto.ToggleMedia{To: id, From: c.self.ID, Type: kind, Status: status})
	}
}

func encodeFrame(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
