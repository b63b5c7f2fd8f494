//go:build linux && cgo

package media

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// vp8FrameSource wraps a mediadevices VP8 EncodedReadCloser as a FrameSource
// for the fallback frame-relay path. The encoder runs in parallel to the one
// Pion uses for RTP; mediadevices broadcasts raw frames to both.
type vp8FrameSource struct{ r mediadevices.EncodedReadCloser }

func (s *vp8FrameSource) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *vp8FrameSource) Close() error { return s.r.Close() }

// deviceMedia owns the captured camera/microphone tracks for one session.
type deviceMedia struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
	hasVideo bool
	hasAudio bool
	selfView FrameSource
}

// acquireMedia captures local devices with VP8+Opus via pion/mediadevices
// (V4L2 + malgo). GetUserMedia fails as a unit if either requested track
// can't be opened, so the attempts degrade: video+audio, then video-only,
// then audio-only. If everything fails the session proceeds receive-only —
// a missing camera must never silently hang call signaling.
func acquireMedia(voiceOnly bool, logf func(level, msg string)) (localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logf("warn", "no media devices found by pion/mediadevices")
	} else {
		for _, d := range devices {
			log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if voiceOnly {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 to keep VP8 encode latency down on phones.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logf("warn", "GetUserMedia ("+a.label+") failed: "+err.Error())
			continue
		}

		m := &deviceMedia{selector: selector}
		brokenVideo := false
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local %s track ended: %v", a.label, err)
				}
			})
			m.tracks = append(m.tracks, track)
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				m.hasAudio = true
			case webrtc.RTPCodecTypeVideo:
				m.hasVideo = true
				// Independent VP8 reader for the frame-relay path.
				r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
				if err != nil {
					// Broken encoder (e.g. malformed camera output) — a
					// poisoned VP8 pipeline would break negotiation for
					// every peer, so skip this attempt entirely.
					logf("warn", "video track broken, skipping attempt ("+a.label+"): "+err.Error())
					brokenVideo = true
					continue
				}
				m.selfView = &vp8FrameSource{r: r}
			}
		}
		if brokenVideo {
			for _, t := range m.tracks {
				t.Close()
			}
			continue
		}

		log.Printf("MEDIA: local capture ready (%s), %d track(s)", a.label, len(m.tracks))
		return m, nil
	}

	logf("warn", "all media capture attempts failed, proceeding receive-only")
	return &recvOnlyMedia{}, nil
}

func (m *deviceMedia) populate(e *webrtc.MediaEngine) error {
	m.selector.Populate(e)
	return nil
}

// attach adds the captured tracks to a new peer connection, padding with
// recvonly transceivers for any kind we could not capture so the SDP always
// has both m-lines.
func (m *deviceMedia) attach(pc *webrtc.PeerConnection, userID string) {
	for _, track := range m.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			log.Printf("MEDIA [%s]: AddTrack error: %v", userID, err)
		}
	}
	if !m.hasVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("MEDIA [%s]: AddTransceiver(video) error: %v", userID, err)
		}
	}
	if !m.hasAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("MEDIA [%s]: AddTransceiver(audio) error: %v", userID, err)
		}
	}
}

func (m *deviceMedia) frames() FrameSource { return m.selfView }

func (m *deviceMedia) close() {
	if m.selfView != nil {
		_ = m.selfView.Close()
	}
	for _, t := range m.tracks {
		t.Close()
	}
}
