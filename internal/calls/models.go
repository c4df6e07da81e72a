package calls

import (
	"time"

	"callsy/internal/quality"
	"callsy/internal/signaling"
)

// State is a participant's view of one call attempt.
type State string

const (
	StateIdle       State = "IDLE"
	StateRinging    State = "RINGING"
	StateIncoming   State = "INCOMING"
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateEnded      State = "ENDED"
)

// Outcome says how an attempt finished. Empty while the attempt is live.
type Outcome string

const (
	OutcomeCompleted        Outcome = "COMPLETED"
	OutcomeRemoteHangup     Outcome = "REMOTE_HANGUP"
	OutcomeRejected         Outcome = "REJECTED"
	OutcomeMissed           Outcome = "MISSED"
	OutcomeNoAnswer         Outcome = "NO_ANSWER"
	OutcomeDisconnected     Outcome = "DISCONNECTED"
	OutcomeBusy             Outcome = "BUSY"
	OutcomeUnavailable      Outcome = "UNAVAILABLE"
	OutcomePermissionDenied Outcome = "PERMISSION_DENIED"
	OutcomeSignalingError   Outcome = "SIGNALING_ERROR"
	// OutcomeCancelled is a local hangup before the gate let the call start.
	OutcomeCancelled Outcome = "CANCELLED"
)

// CallLogStatus is the coarse status a business sees in its call log.
type CallLogStatus string

const (
	CallLogCompleted CallLogStatus = "COMPLETED"
	CallLogMissed    CallLogStatus = "MISSED"
	CallLogRejected  CallLogStatus = "REJECTED"
)

// LogStatus folds an outcome into the call log vocabulary. Outcomes that
// never reached the business report false.
func (o Outcome) LogStatus() (CallLogStatus, bool) {
	switch o {
	case OutcomeCompleted, OutcomeRemoteHangup, OutcomeDisconnected:
		return CallLogCompleted, true
	case OutcomeMissed, OutcomeNoAnswer:
		return CallLogMissed, true
	case OutcomeRejected:
		return CallLogRejected, true
	default:
		return "", false
	}
}

// Call summarises one attempt for the UI.
//
// NOTE: This is not persisted; call history storage belongs to another service.
type Call struct {
	AttemptID  string         `json:"attempt_id"`
	BusinessID string         `json:"business_id"`
	Role       signaling.Role `json:"role"`

	State   State   `json:"state"`
	Outcome Outcome `json:"outcome,omitempty"`
	// Reason carries the gate verdict or error text behind a failed outcome.
	Reason string `json:"reason,omitempty"`

	Quality *quality.Sample `json:"quality,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// Duration is the connected time, zero if media never flowed.
func (c Call) Duration() time.Duration {
	if c.ConnectedAt.IsZero() || c.EndedAt.IsZero() {
		return 0
	}
	return c.EndedAt.Sub(c.ConnectedAt)
}
