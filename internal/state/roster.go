// Package state holds the in-call participant roster: who is on the call and
// the placeholder state of their media (camera off, muted). One Roster lives
// for the duration of one call session and is cleared when the session ends.
package state

import (
	"sync"
	"time"

	"github.com/etopia1/ridelink/internal/proto"
)

// Participant is one remote counterparty in the current call.
type Participant struct {
	Identity proto.Identity
	// VideoOff mirrors the remote side's toggle_media{type:video} messages;
	// the presentation layer shows a "camera off" placeholder instead of a
	// frozen last frame while it is true.
	VideoOff bool
	// Muted mirrors toggle_media{type:audio}.
	Muted    bool
	JoinedAt time.Time
}

// Event describes one roster change.
type Event struct {
	Type   string // "join" | "update" | "leave" | "clear"
	UserID string
	P      *Participant
}

// Roster tracks the counterparties of the active call.
type Roster struct {
	mu        sync.Mutex
	entries   map[string]Participant
	listeners []chan Event
}

func NewRoster() *Roster {
	return &Roster{entries: make(map[string]Participant)}
}

// Add inserts a participant. Re-adding an existing ID refreshes the identity
// but keeps the media placeholder state.
func (r *Roster) Add(id proto.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id.ID]
	if ok {
		p.Identity = id
		r.entries[id.ID] = p
		r.notifyLocked(Event{Type: "update", UserID: id.ID, P: &p})
		return
	}
	p = Participant{Identity: id, JoinedAt: time.Now()}
	r.entries[id.ID] = p
	r.notifyLocked(Event{Type: "join", UserID: id.ID, P: &p})
}

// Remove drops a participant, reporting whether it was present.
func (r *Roster) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[userID]; !ok {
		return false
	}
	delete(r.entries, userID)
	r.notifyLocked(Event{Type: "leave", UserID: userID})
	return true
}

// SetMediaOff records a remote toggle_media message for a participant.
// kind is proto.MediaVideo or proto.MediaAudio; off=true means the track is
// disabled on the remote side.
func (r *Roster) SetMediaOff(userID, kind string, off bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[userID]
	if !ok {
		return
	}
	switch kind {
	case proto.MediaVideo:
		if p.VideoOff == off {
			return
		}
		p.VideoOff = off
	case proto.MediaAudio:
		if p.Muted == off {
			return
		}
		p.Muted = off
	default:
		return
	}
	r.entries[userID] = p
	r.notifyLocked(Event{Type: "update", UserID: userID, P: &p})
}

// Get returns one participant by ID.
func (r *Roster) Get(userID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[userID]
	return p, ok
}

// IDs returns the IDs of all current participants.
func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of participants.
func (r *Roster) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of the roster for presentation reads.
func (r *Roster) Snapshot() map[string]Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]Participant, len(r.entries))
	for k, v := range r.entries {
		cp[k] = v
	}
	return cp
}

// Clear empties the roster when the session returns to Idle.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return
	}
	r.entries = make(map[string]Participant)
	r.notifyLocked(Event{Type: "clear"})
}

// Subscribe returns a channel that receives roster events.
func (r *Roster) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (r *Roster) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// notifyLocked fans an event out without blocking on slow listeners.
func (r *Roster) notifyLocked(e Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}
