package media

import (
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a PictureLossIndication is sent for each remote
// video track so the sender refreshes with a keyframe. Without periodic PLIs
// a receiver that joins (or loses packets) can stay on garbled delta frames
// indefinitely.
const pliInterval = 3 * time.Second

// TrackStats are the receive counters for one remote track.
type TrackStats struct {
	Kind    string
	Packets uint64
	Bytes   uint64
}

// receiveTrack drains RTP from one remote track until it ends, keeping
// per-track counters. Video tracks additionally get the PLI ticker.
func (b *Bridge) receiveTrack(userID string, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	log.Printf("MEDIA [%s]: %s track started (ssrc=%d codec=%s)",
		userID, kind, track.SSRC(), track.Codec().MimeType)

	done := make(chan struct{})
	defer close(done)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
					if err := pc.WriteRTCP(pli); err != nil {
						return
					}
				}
			}
		}()
	}

	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			log.Printf("MEDIA [%s]: %s track ended: %v", userID, kind, err)
			return
		}
		b.countPacket(userID, kind, len(pkt.Payload))
	}
}

// countPacket updates the receive counters for (userID, kind).
func (b *Bridge) countPacket(userID, kind string, payloadLen int) {
	b.statsMu.Lock()
	if b.stats == nil {
		b.stats = make(map[string]map[string]*TrackStats)
	}
	byKind := b.stats[userID]
	if byKind == nil {
		byKind = make(map[string]*TrackStats)
		b.stats[userID] = byKind
	}
	ts := byKind[kind]
	if ts == nil {
		ts = &TrackStats{Kind: kind}
		byKind[kind] = ts
	}
	ts.Packets++
	ts.Bytes += uint64(payloadLen)
	b.statsMu.Unlock()
}

// Stats returns a copy of the receive counters for one participant.
func (b *Bridge) Stats(userID string) []TrackStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	byKind := b.stats[userID]
	out := make([]TrackStats, 0, len(byKind))
	for _, ts := range byKind {
		out = append(out, *ts)
	}
	return out
}
