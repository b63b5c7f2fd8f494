//go:build !linux || !cgo

package media

import "log"

// acquireMedia on non-Linux platforms returns the receive-only stub.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo on Linux); on other platforms the host app provides capture.
func acquireMedia(voiceOnly bool, _ func(level, msg string)) (localMedia, error) {
	log.Printf("MEDIA: no local capture on this platform (voiceOnly=%v), receive-only", voiceOnly)
	return &recvOnlyMedia{}, nil
}
