package media

import "github.com/pion/webrtc/v4"

// EventType discriminates bridge → controller events.
type EventType int

const (
	// EventMediaReady: local capture finished (possibly degraded to
	// receive-only); the bridge can now build peer connections.
	EventMediaReady EventType = iota
	// EventOfferCreated: an SDP offer for peer To is ready to relay.
	EventOfferCreated
	// EventAnswerCreated: an SDP answer for peer To is ready to relay.
	EventAnswerCreated
	// EventCandidateGathered: a local ICE candidate for peer To is ready to relay.
	EventCandidateGathered
	// EventTrackStarted: a remote track from peer To began delivering media.
	EventTrackStarted
	// EventPeerFailed: the connection to peer To entered the failed state.
	// The call is not torn down; the controller surfaces a degraded indicator.
	EventPeerFailed
	// EventError: a negotiation or capture error. Never fatal to the session.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventMediaReady:
		return "media_ready"
	case EventOfferCreated:
		return "offer_created"
	case EventAnswerCreated:
		return "answer_created"
	case EventCandidateGathered:
		return "candidate_gathered"
	case EventTrackStarted:
		return "track_started"
	case EventPeerFailed:
		return "peer_failed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from the bridge to the call controller.
type Event struct {
	Type EventType

	// To is the remote participant this event concerns (empty for
	// EventMediaReady and capture-level errors).
	To string

	// SDP carries the offer/answer for EventOfferCreated / EventAnswerCreated.
	SDP string

	// Candidate carries the gathered candidate for EventCandidateGathered.
	Candidate *webrtc.ICECandidateInit

	// TrackKind is "audio" or "video" for EventTrackStarted.
	TrackKind string

	// Message describes EventError / EventPeerFailed.
	Message string
}
