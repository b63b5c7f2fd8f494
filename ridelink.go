// Package ridelink is the voice/video call subsystem: a call-session state
// machine, signaling over a coordinator event channel, and a WebRTC mesh for
// media, packaged behind one Client the host application embeds.
//
// The package wires the internal pieces together; all call semantics live in
// internal/call, transport in internal/transport, negotiation and capture in
// internal/media.
package ridelink

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/etopia1/ridelink/internal/call"
	"github.com/etopia1/ridelink/internal/config"
	"github.com/etopia1/ridelink/internal/media"
	"github.com/etopia1/ridelink/internal/proto"
	"github.com/etopia1/ridelink/internal/transport"
	"github.com/pion/webrtc/v4"
)

// Re-exported call types so hosts only import this package.
type (
	Snapshot = call.Snapshot
	Status   = call.Status
	CallType = call.CallType
	Record   = call.Record
	Identity = proto.Identity
)

const (
	StatusIdle      = call.StatusIdle
	StatusCalling   = call.StatusCalling
	StatusIncoming  = call.StatusIncoming
	StatusConnected = call.StatusConnected

	CallVoice = call.CallVoice
	CallVideo = call.CallVideo
)

// Deps are the host-provided device surfaces. Any nil field gets a no-op
// default, so a headless host can pass the zero value.
type Deps struct {
	Ringer   call.Ringer
	Audio    call.AudioRouter
	Notifier call.Notifier
}

// Client is the assembled call subsystem. One instance lives for the whole
// app session.
type Client struct {
	cfg     config.Config
	channel *transport.Channel
	bridge  *media.Bridge
	calls   *call.Controller

	cancel    context.CancelFunc
	stopWatch func()
	unsubs    []func()
}

// New assembles a client from a validated config. Connect starts it.
func New(cfg config.Config, deps Deps) *Client {
	self := proto.Identity{ID: cfg.Identity.ID, Name: cfg.Identity.Name, Avatar: cfg.Identity.Avatar}

	ch := transport.New(cfg.Coordinator.URL, self.ID)
	ch.SetBackoff(
		time.Duration(cfg.Coordinator.ReconnectMinMs)*time.Millisecond,
		time.Duration(cfg.Coordinator.ReconnectMaxMs)*time.Millisecond,
	)

	bridge := media.NewBridge(media.Options{
		ICEServers:     cfg.Media.StunServers,
		DisableCapture: cfg.Media.DisableCapture,
	})

	var mb call.MediaBridge = &bridgeAdapter{b: bridge}
	ctrl := call.New(&channelSignaler{ch: ch}, mb, self, call.Options{
		RingTimeout:   time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		DurationTick:  time.Duration(cfg.Call.DurationTickMs) * time.Millisecond,
		FrameInterval: time.Duration(cfg.Call.FrameIntervalMs) * time.Millisecond,
		VoiceOnly:     cfg.Media.VoiceOnly,
		Ringer:        deps.Ringer,
		Audio:         deps.Audio,
		Notifier:      deps.Notifier,
	})

	return &Client{cfg: cfg, channel: ch, bridge: bridge, calls: ctrl}
}

// Load builds a client straight from a config file.
func Load(cfgPath string, deps Deps) (*Client, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return New(cfg, deps), nil
}

// Connect starts the coordinator channel and the internal event pumps, and
// begins watching cfgPath (if non-empty) for live config changes. Call state
// survives transport drops; the channel reconnects on its own.
func (c *Client) Connect(ctx context.Context, cfgPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.channel.Connect(ctx)

	states, offStates := c.channel.SubscribeState()
	c.unsubs = append(c.unsubs, offStates)
	go func() {
		for s := range states {
			c.calls.SetTransportUp(s == transport.StateConnected)
		}
	}()

	go c.pumpMediaEvents(ctx)

	if cfgPath != "" {
		stop, err := config.Watch(cfgPath, func(cfg config.Config) {
			// Only the STUN list is safe to swap mid-session; timings apply
			// on the next process start.
			c.bridge.SetICEServers(cfg.Media.StunServers)
		})
		if err != nil {
			log.Printf("RIDELINK: config watch disabled: %v", err)
		} else {
			c.stopWatch = stop
		}
	}
	return nil
}

// pumpMediaEvents translates bridge events into controller events.
func (c *Client) pumpMediaEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.bridge.Events():
			me, ok := toCallEvent(ev)
			if !ok {
				continue
			}
			c.calls.HandleMediaEvent(me)
		}
	}
}

func toCallEvent(ev media.Event) (call.MediaEvent, bool) {
	switch ev.Type {
	case media.EventMediaReady:
		return call.MediaEvent{Kind: "media_ready"}, true
	case media.EventOfferCreated:
		return call.MediaEvent{Kind: "offer", To: ev.To, SDP: ev.SDP}, true
	case media.EventAnswerCreated:
		return call.MediaEvent{Kind: "answer", To: ev.To, SDP: ev.SDP}, true
	case media.EventCandidateGathered:
		if ev.Candidate == nil {
			return call.MediaEvent{}, false
		}
		return call.MediaEvent{Kind: "candidate", To: ev.To, Candidate: &proto.Candidate{
			Candidate:     ev.Candidate.Candidate,
			SDPMid:        ev.Candidate.SDPMid,
			SDPMLineIndex: ev.Candidate.SDPMLineIndex,
		}}, true
	case media.EventTrackStarted:
		log.Printf("RIDELINK: %s track started from %s", ev.TrackKind, ev.To)
		return call.MediaEvent{}, false
	case media.EventPeerFailed:
		return call.MediaEvent{Kind: "peer_failed", To: ev.To, Message: ev.Message}, true
	case media.EventError:
		return call.MediaEvent{Kind: "error", To: ev.To, Message: ev.Message}, true
	default:
		return call.MediaEvent{}, false
	}
}

// Calls exposes the session state machine: intents, snapshots, history.
func (c *Client) Calls() *call.Controller { return c.calls }

// Snapshot returns the current call-session state.
func (c *Client) Snapshot() Snapshot { return c.calls.Snapshot() }

// Subscribe streams session snapshots; see call.Controller.Subscribe.
func (c *Client) Subscribe() (<-chan Snapshot, func()) { return c.calls.Subscribe() }

// History returns the recent-calls list, oldest first.
func (c *Client) History() []Record { return c.calls.History() }

// GridFor returns the mesh tile layout (rows, cols) for n participants.
func (c *Client) GridFor(n int) (rows, cols int) { return media.Grid(n) }

// Close hangs up any active call and shuts everything down.
func (c *Client) Close() {
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.calls.Close()
	for _, off := range c.unsubs {
		off()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.channel.Close()
}

// channelSignaler adapts the transport channel to the controller's Signaler.
type channelSignaler struct{ ch *transport.Channel }

func (s *channelSignaler) Emit(event string, payload any) error {
	return s.ch.Emit(event, payload)
}

func (s *channelSignaler) On(event string, fn func(payload json.RawMessage)) func() {
	return s.ch.On(event, transport.Handler(fn))
}

// bridgeAdapter adapts the media bridge to the controller's MediaBridge,
// converting the wire candidate type.
type bridgeAdapter struct{ b *media.Bridge }

func (a *bridgeAdapter) Init(voiceOnly bool)           { a.b.Init(voiceOnly) }
func (a *bridgeAdapter) AddPeer(userID string)         { a.b.AddPeer(userID) }
func (a *bridgeAdapter) HandleOffer(from, sdp string)  { a.b.HandleOffer(from, sdp) }
func (a *bridgeAdapter) HandleAnswer(from, sdp string) { a.b.HandleAnswer(from, sdp) }
func (a *bridgeAdapter) RemovePeer(userID string)      { a.b.RemovePeer(userID) }
func (a *bridgeAdapter) EndCall()                      { a.b.EndCall() }
func (a *bridgeAdapter) LatestFrame() []byte           { return a.b.LatestFrame() }

func (a *bridgeAdapter) HandleCandidate(from string, cand proto.Candidate) {
	a.b.HandleCandidate(from, webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}
