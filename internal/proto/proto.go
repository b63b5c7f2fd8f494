// Package proto defines the signaling events and payloads exchanged with the
// call coordinator over the transport channel. The coordinator relays each
// outbound event to the addressed user's device; it holds no call state of
// its own.
package proto

// Transport channel event names.
const (
	// EventCallUser is emitted by the caller; the coordinator relays it to the
	// target device as EventIncomingCall.
	EventCallUser = "call_user"

	// EventIncomingCall is delivered to the callee when someone dials it.
	EventIncomingCall = "incoming_call"

	// EventAnswerCall is emitted by the callee on answer; relayed to the
	// caller as EventCallAccepted.
	EventAnswerCall = "answer_call"

	// EventCallAccepted is delivered to the caller once the callee answered.
	EventCallAccepted = "call_accepted"

	// EventEndCall travels both ways: hangup, reject, busy-reject and
	// missed-call notice all use it, distinguished by the payload flags.
	EventEndCall = "end_call"

	// EventVideoFrame carries one base64 still frame on the fallback
	// video-relay path. Last write wins on the receiving side.
	EventVideoFrame = "video_frame"

	// EventToggleMedia tells the remote side a local track was muted or
	// re-enabled so it can show a placeholder instead of a frozen image.
	EventToggleMedia = "toggle_media"

	// SDP/ICE relay events for the peer-connection mesh. The coordinator
	// forwards them verbatim to the addressed user.
	EventWebRTCOffer     = "webrtc_offer"
	EventWebRTCAnswer    = "webrtc_answer"
	EventWebRTCCandidate = "webrtc_candidate"
)

// Media kinds used in ToggleMedia payloads.
const (
	MediaVideo = "video"
	MediaAudio = "audio"
)

// Identity is the display metadata of a call participant.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// CallUser asks the coordinator to ring another user.
// ExistingCallID is set when inviting an extra participant into a call that
// is already running (group escalation).
type CallUser struct {
	UserToCall     string `json:"userToCall"`
	CallType       string `json:"callType"` // "voice" | "video"
	IsGroupCall    bool   `json:"isGroupCall,omitempty"`
	ExistingCallID string `json:"existingCallId,omitempty"`
	Name           string `json:"name,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
}

// IncomingCall is the coordinator's relay of CallUser to the target device.
type IncomingCall struct {
	From        string `json:"from"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	CallType    string `json:"callType"`
	IsGroupCall bool   `json:"isGroupCall,omitempty"`
	CallID      string `json:"callId,omitempty"`
}

// AnswerCall tells the coordinator the local user picked up.
type AnswerCall struct {
	To string `json:"to"`
}

// CallAccepted is delivered to the caller; From identifies which invitee
// answered (relevant in group calls).
type CallAccepted struct {
	From string `json:"from,omitempty"`
}

// EndCall terminates, rejects or busy-rejects a call.
type EndCall struct {
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	WasMissed bool   `json:"wasMissed,omitempty"`
	Busy      bool   `json:"busy,omitempty"`
}

// VideoFrame is one still image on the fallback relay path.
// Frame is base64-encoded; staleness self-corrects at the relay cadence.
type VideoFrame struct {
	To    string `json:"to,omitempty"`
	From  string `json:"from,omitempty"`
	Frame string `json:"frame"`
}

// ToggleMedia reports a local mute/unmute of one media kind to the remote side.
type ToggleMedia struct {
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Type   string `json:"type"` // MediaVideo | MediaAudio
	Status bool   `json:"status"`
}

// SessionDescription relays an SDP offer or answer between two mesh peers.
type SessionDescription struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	SDP  string `json:"sdp"`
}

// Candidate relays one ICE candidate between two mesh peers.
// Mirrors the RTCIceCandidateInit shape so either side can apply it directly.
type Candidate struct {
	To            string  `json:"to"`
	From          string  `json:"from,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
