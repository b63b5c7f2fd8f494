package media

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// recvOnlyMedia is the capture stub used when no local device is available
// (unsupported platform, capture disabled, or every capture attempt failed).
// The call still receives remote media; it just sends none.
type recvOnlyMedia struct{}

func (*recvOnlyMedia) populate(e *webrtc.MediaEngine) error {
	return e.RegisterDefaultCodecs()
}

func (*recvOnlyMedia) attach(pc *webrtc.PeerConnection, userID string) {
	addRecvOnlyTransceivers(userID, pc)
}

func (*recvOnlyMedia) frames() FrameSource { return nil }

func (*recvOnlyMedia) close() {}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(userID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA [%s]: AddTransceiver(video) error: %v", userID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA [%s]: AddTransceiver(audio) error: %v", userID, err)
	}
}
