package call

import (
	"time"

	"github.com/etopia1/ridelink/internal/proto"
)

const historyCap = 50

// Outcome records how a session ended.
type Outcome string

const (
	// OutcomeCompleted: the call connected and was hung up normally.
	OutcomeCompleted Outcome = "completed"
	// OutcomeMissed: an incoming call ended before it was answered.
	OutcomeMissed Outcome = "missed"
	// OutcomeRejected: the local user declined the incoming call.
	OutcomeRejected Outcome = "rejected"
	// OutcomeNoAnswer: an outgoing call rang out.
	OutcomeNoAnswer Outcome = "no_answer"
	// OutcomeBusy: the remote side was on another call.
	OutcomeBusy Outcome = "busy"
	// OutcomeCancelled: the local user gave up before the call connected.
	OutcomeCancelled Outcome = "cancelled"
)

// Record is one entry in the recent-calls list.
type Record struct {
	Counterparty proto.Identity `json:"counterparty"`
	Type         CallType       `json:"type"`
	Outgoing     bool           `json:"outgoing"`
	Group        bool           `json:"group"`
	// Duration is connected seconds; 0 for calls that never connected.
	Duration int       `json:"duration"`
	Outcome  Outcome   `json:"outcome"`
	EndedAt  time.Time `json:"endedAt"`
}

// History returns the recent-calls list, oldest first.
func (c *Controller) History() []Record {
	return c.history.Items()
}
