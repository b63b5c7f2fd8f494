package call

import (
	"encoding/json"

	"github.com/etopia1/ridelink/internal/proto"
	"github.com/etopia1/ridelink/internal/state"
)

// Status is the call-session state. Exactly one value holds at any time;
// Idle is both the initial state and the only terminal one — two distinct
// calls always have an Idle between them.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusIncoming
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusIncoming:
		return "incoming"
	case StatusConnected:
		return "connected"
	default:
		return "invalid"
	}
}

// CallType is fixed for the lifetime of a session once set.
type CallType int

const (
	CallVoice CallType = iota
	CallVideo
)

func (t CallType) String() string {
	if t == CallVideo {
		return "video"
	}
	return "voice"
}

// parseCallType maps the wire value; anything unrecognized degrades to voice.
func parseCallType(s string) CallType {
	if s == "video" {
		return CallVideo
	}
	return CallVoice
}

// Flags are the local user's toggles. Only local intents mutate them —
// remote events never do.
type Flags struct {
	Muted     bool `json:"muted"`
	VideoOff  bool `json:"videoOff"`
	SpeakerOn bool `json:"speakerOn"`
}

// Snapshot is the presentation layer's read surface: an immutable copy of
// the session state, published after every applied event. Both the
// full-screen call view and the minimized indicator render from this.
type Snapshot struct {
	Status       Status
	Type         CallType
	CallID       string
	Counterparty proto.Identity
	Roster       map[string]state.Participant
	Group        bool
	// Duration is whole seconds of connected time; always 0 outside Connected.
	Duration int
	Flags    Flags
	// RemoteFrame is the latest base64 frame from the relay path; empty means
	// no remote video right now.
	RemoteFrame string
	// Degraded is set when media negotiation reported an error; the call
	// keeps running but the UI should indicate reduced quality.
	Degraded bool
	// TransportUp mirrors the signaling channel's connection state.
	TransportUp bool
}

// Signaler is the only surface the controller needs from the transport
// layer. The concrete channel satisfies it via a small adapter at the
// composition root — the one place that imports both packages.
type Signaler interface {
	Emit(event string, payload any) error
	On(event string, fn func(payload json.RawMessage)) (off func())
}

// MediaBridge is the controller's view of the media negotiation bridge.
// All methods are non-blocking; results come back as MediaEvents.
type MediaBridge interface {
	Init(voiceOnly bool)
	AddPeer(userID string)
	HandleOffer(from, sdp string)
	HandleAnswer(from, sdp string)
	HandleCandidate(from string, cand proto.Candidate)
	RemovePeer(userID string)
	EndCall()
	LatestFrame() []byte
}

// MediaEvent mirrors the bridge's event stream without importing it — the
// composition root adapts the concrete type.
type MediaEvent struct {
	Kind      string // "media_ready" | "offer" | "answer" | "candidate" | "peer_failed" | "error"
	To        string
	SDP       string
	Candidate *proto.Candidate
	Message   string
}

// Ringer plays the ringtone/vibration loop. Start is idempotent per session
// (the controller guarantees it is not called twice without a Stop between)
// and Stop is called exactly once per exit from a ringing state.
type Ringer interface {
	Start(incoming bool)
	Stop()
}

// AudioRouter reconfigures the device audio path when a call connects or the
// speaker toggle flips. Reset restores the pre-call routing.
type AudioRouter interface {
	RouteForCall(video, speakerOn bool)
	Reset()
}

// Notifier surfaces user-visible call notices.
type Notifier interface {
	// NoAnswer fires once when an outgoing call rings out.
	NoAnswer(who proto.Identity)
	// Missed fires when an incoming call ended as missed on the caller side.
	Missed(who proto.Identity)
	// Busy fires when the remote side rejected because it was on another call.
	Busy(who proto.Identity)
	// Degraded fires when media negotiation reported a non-fatal error.
	Degraded(userID, message string)
}

type nopRinger struct{}

func (nopRinger) Start(bool) {}
func (nopRinger) Stop()      {}

type nopAudioRouter struct{}

func (nopAudioRouter) RouteForCall(bool, bool) {}
func (nopAudioRouter) Reset()                  {}

type nopNotifier struct{}

func (nopNotifier) NoAnswer(proto.Identity) {}
func (nopNotifier) Missed(proto.Identity)   {}
func (nopNotifier) Busy(proto.Identity)     {}
func (nopNotifier) Degraded(string, string) {}
