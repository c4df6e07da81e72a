package signaling

import "time"

// Role identifies which party wrote a field of the record.
// Keep these stable; they are part of the wire format.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) Valid() bool { return r == RoleCaller || r == RoleCallee }

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// Descriptor is a session description exchanged during offer/answer.
type Descriptor struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

const (
	DescriptorOffer  = "offer"
	DescriptorAnswer = "answer"
)

// ICECandidate mirrors the browser's RTCIceCandidateInit so records can be
// relayed to web participants unchanged.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateEntry is one appended candidate. Seq is per role, starting at 1.
type CandidateEntry struct {
	Role      Role         `json:"role"`
	Candidate ICECandidate `json:"candidate"`
	Seq       int          `json:"seq"`
}

// Record is the transient signaling state for one business.
//
// Invariants:
// - Offer and Answer are each written at most once per attempt.
// - Answer is never set without Offer.
// - Candidates are append-only; the record is deleted as a whole.
type Record struct {
	BusinessID string           `json:"business_id"`
	AttemptID  string           `json:"attempt_id"`
	Offer      *Descriptor      `json:"offer,omitempty"`
	Answer     *Descriptor      `json:"answer,omitempty"`
	Candidates []CandidateEntry `json:"candidates"`
	CreatedAt  time.Time        `json:"created_at"`
}

// CandidatesFrom returns the candidates appended by role, in append order.
func (r Record) CandidatesFrom(role Role) []CandidateEntry {
	out := make([]CandidateEntry, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func (r Record) clone() Record {
	out := r
	if r.Offer != nil {
		o := *r.Offer
		out.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		out.Answer = &a
	}
	out.Candidates = append([]CandidateEntry(nil), r.Candidates...)
	return out
}

type EventKind string

const (
	// EventSnapshot is always the first event of a subscription.
	EventSnapshot  EventKind = "snapshot"
	EventOffer     EventKind = "offer"
	EventAnswer    EventKind = "answer"
	EventCandidate EventKind = "candidate"
	EventCleared   EventKind = "cleared"
)

// Event is one change notification. Record carries the full state after the
// change; it is nil for EventCleared and for a snapshot of an absent record.
type Event struct {
	Kind       EventKind `json:"kind"`
	BusinessID string    `json:"business_id"`
	AttemptID  string    `json:"attempt_id,omitempty"`
	Record     *Record   `json:"record,omitempty"`
}
