package media

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

const hostCandidate = "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"

func testBridge(t *testing.T) *Bridge {
	t.Helper()
	b := NewBridge(Options{DisableCapture: true})
	t.Cleanup(b.EndCall)
	return b
}

// waitEvent drains the bridge event stream until an event of the wanted type
// shows up. Fails the test on EventError and on timeout.
func waitEvent(t *testing.T, b *Bridge, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-b.Events():
			if ev.Type == want {
				return ev
			}
			if ev.Type == EventError {
				t.Fatalf("unexpected error event while waiting for %s: %s", want, ev.Message)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	alice := testBridge(t)
	bob := testBridge(t)

	alice.Init(false)
	waitEvent(t, alice, EventMediaReady)
	bob.Init(false)
	waitEvent(t, bob, EventMediaReady)

	alice.AddPeer("bob")
	offer := waitEvent(t, alice, EventOfferCreated)
	if offer.To != "bob" || offer.SDP == "" {
		t.Fatalf("offer event = %+v", offer)
	}

	bob.HandleOffer("alice", offer.SDP)
	answer := waitEvent(t, bob, EventAnswerCreated)
	if answer.To != "alice" || answer.SDP == "" {
		t.Fatalf("answer event = %+v", answer)
	}

	alice.HandleAnswer("bob", answer.SDP)

	if alice.PeerCount() != 1 || bob.PeerCount() != 1 {
		t.Fatalf("peer counts = %d/%d, want 1/1", alice.PeerCount(), bob.PeerCount())
	}

	alice.EndCall()
	if alice.PeerCount() != 0 {
		t.Fatalf("peer count after EndCall = %d, want 0", alice.PeerCount())
	}
}

func TestAnswerWithoutOfferIgnored(t *testing.T) {
	b := testBridge(t)
	b.Init(false)
	waitEvent(t, b, EventMediaReady)

	// No connection for this user exists; a stray answer must not build one.
	b.HandleAnswer("ghost", "v=0\r\n")
	time.Sleep(50 * time.Millisecond)
	if b.PeerCount() != 0 {
		t.Fatalf("stray answer created a connection: count = %d", b.PeerCount())
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %s for stray answer", ev.Type)
	default:
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	alice := testBridge(t)
	bob := testBridge(t)

	alice.Init(false)
	waitEvent(t, alice, EventMediaReady)
	bob.Init(false)
	waitEvent(t, bob, EventMediaReady)

	// Candidates for a peer with no connection yet are held, not dropped,
	// and not applied (applying before the remote description fails).
	bob.HandleCandidate("alice", webrtc.ICECandidateInit{Candidate: hostCandidate})
	bob.HandleCandidate("alice", webrtc.ICECandidateInit{Candidate: hostCandidate})
	select {
	case ev := <-bob.Events():
		t.Fatalf("unexpected event %s: %s", ev.Type, ev.Message)
	default:
	}

	alice.AddPeer("bob")
	offer := waitEvent(t, alice, EventOfferCreated)

	// The buffered candidates replay once the offer lands.
	bob.HandleOffer("alice", offer.SDP)
	answer := waitEvent(t, bob, EventAnswerCreated)
	if answer.SDP == "" {
		t.Fatal("empty answer SDP")
	}

	// Late candidates with the description already applied go straight in.
	bob.HandleCandidate("alice", webrtc.ICECandidateInit{Candidate: hostCandidate})
	select {
	case ev := <-bob.Events():
		if ev.Type == EventError {
			t.Fatalf("direct candidate rejected: %s", ev.Message)
		}
	default:
	}
}

func TestOpsDroppedWithoutSession(t *testing.T) {
	b := testBridge(t)

	// No Init: everything is a no-op, nothing panics, no events appear.
	b.AddPeer("bob")
	b.HandleOffer("bob", "v=0\r\n")
	b.EndCall()
	if b.PeerCount() != 0 {
		t.Fatalf("peer count = %d, want 0", b.PeerCount())
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestSecondInitIgnored(t *testing.T) {
	b := testBridge(t)
	b.Init(false)
	waitEvent(t, b, EventMediaReady)

	b.Init(true)
	select {
	case ev := <-b.Events():
		t.Fatalf("second Init produced event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEndCallIsIdempotentAndResets(t *testing.T) {
	b := testBridge(t)
	b.Init(false)
	waitEvent(t, b, EventMediaReady)
	b.AddPeer("bob")
	waitEvent(t, b, EventOfferCreated)

	b.EndCall()
	b.EndCall()
	if b.PeerCount() != 0 {
		t.Fatalf("peer count = %d, want 0", b.PeerCount())
	}
	if b.LatestFrame() != nil {
		t.Fatal("frame survived EndCall")
	}

	// A fresh session starts clean.
	b.Init(false)
	waitEvent(t, b, EventMediaReady)
	b.AddPeer("carol")
	ev := waitEvent(t, b, EventOfferCreated)
	if ev.To != "carol" {
		t.Fatalf("offer to %q, want carol", ev.To)
	}
}

func TestDuplicateAddPeerIgnored(t *testing.T) {
	b := testBridge(t)
	b.Init(false)
	waitEvent(t, b, EventMediaReady)

	b.AddPeer("bob")
	waitEvent(t, b, EventOfferCreated)
	b.AddPeer("bob")
	select {
	case ev := <-b.Events():
		if ev.Type == EventOfferCreated {
			t.Fatal("duplicate AddPeer produced a second offer")
		}
	case <-time.After(100 * time.Millisecond):
	}
	if b.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", b.PeerCount())
	}
}
